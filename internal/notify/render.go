package notify

import (
	"fmt"
	"strconv"
	"strings"
)

const emptyParam = "-"

// Message is a fully rendered notification handed to a provider.
type Message struct {
	Event         string   `json:"event"`
	TicketCode    string   `json:"ticket_code"`
	Channel       string   `json:"channel"`
	Recipient     string   `json:"recipient"`
	RecipientName string   `json:"recipient_name,omitempty"`
	Template      string   `json:"template"`
	Language      string   `json:"language"`
	Params        []string `json:"params"`
	Text          string   `json:"text,omitempty"`
}

// Render substitutes values positionally in declared param order. Empty
// values become "-" because channels reject blank template parameters.
func (t EventTemplate) Render(event string, values map[string]string) ([]string, string, error) {
	params := make([]string, 0, len(t.Params))
	for _, token := range t.Params {
		value, ok := values[token]
		if !ok && !KnownToken(token) {
			return nil, "", &ConfigError{Event: event, Reason: fmt.Sprintf("unknown parameter token %q", token)}
		}
		value = strings.TrimSpace(value)
		if value == "" {
			value = emptyParam
		}
		params = append(params, value)
	}

	if t.Text == "" {
		return params, "", nil
	}
	var renderErr error
	text := placeholderPattern.ReplaceAllStringFunc(t.Text, func(match string) string {
		sub := placeholderPattern.FindStringSubmatch(match)
		n, err := strconv.Atoi(sub[1])
		if err != nil || n < 1 || n > len(params) {
			renderErr = &ConfigError{Event: event, Reason: fmt.Sprintf("placeholder %s has no param", match)}
			return match
		}
		return params[n-1]
	})
	if renderErr != nil {
		return nil, "", renderErr
	}
	return params, text, nil
}
