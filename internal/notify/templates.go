package notify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"repaircrm/ticket-service/internal/store"

	"gopkg.in/yaml.v3"
)

// EventTemplate binds an event key to an outbound template. Params is the
// positional contract with the channel: the first token fills {{1}}, the
// second {{2}} and so on.
type EventTemplate struct {
	Template     string   `yaml:"template" json:"template"`
	Language     string   `yaml:"language" json:"language"`
	Params       []string `yaml:"params" json:"params"`
	Channels     []string `yaml:"channels" json:"channels"`
	Text         string   `yaml:"text,omitempty" json:"text,omitempty"`
	Placeholders int      `yaml:"placeholders,omitempty" json:"placeholders,omitempty"`
}

type TemplateConfig struct {
	Version int                      `yaml:"version" json:"version"`
	Events  map[string]EventTemplate `yaml:"events" json:"events"`
}

func DefaultTemplates() TemplateConfig {
	channels := []string{ChannelWhatsApp, ChannelSMS}
	return TemplateConfig{
		Version: 0,
		Events: map[string]EventTemplate{
			EventReceiptCreated: {
				Template: "receipt_created",
				Language: "en",
				Params:   []string{TokenCustomerName, TokenReceiptNumber, TokenTrackingURL},
				Channels: channels,
				Text:     "Hi {{1}}, we have received your device. Receipt {{2}}. Track it at {{3}}",
			},
			EventStatusChanged: {
				Template: "status_changed",
				Language: "en",
				Params:   []string{TokenCustomerName, TokenReceiptNumber, TokenStatus, TokenTrackingURL},
				Channels: channels,
				Text:     "Hi {{1}}, {{2}} is now {{3}}. Details: {{4}}",
			},
			EventReadyForDelivery: {
				Template: "ready_for_delivery",
				Language: "en",
				Params:   []string{TokenCustomerName, TokenProduct, TokenReceiptNumber, TokenAmount},
				Channels: channels,
				Text:     "Hi {{1}}, your {{2}} ({{3}}) is ready for pickup. Amount due: {{4}}",
			},
			EventDeliveryOTP: {
				Template: "delivery_otp",
				Language: "en",
				Params:   []string{TokenRecipientName, TokenOTP, TokenReceiptNumber, TokenOTPValidMinutes},
				Channels: channels,
				Text:     "Hi {{1}}, your delivery code is {{2}} for {{3}}. It is valid for {{4}} minutes.",
			},
			EventDelivered: {
				Template: "delivered",
				Language: "en",
				Params:   []string{TokenCustomerName, TokenReceiptNumber, TokenDeliveredAt},
				Channels: channels,
				Text:     "Hi {{1}}, {{2}} was delivered on {{3}}. Thank you!",
			},
			EventPaymentReminder: {
				Template: "payment_reminder",
				Language: "en",
				Params:   []string{TokenCustomerName, TokenAmount, TokenReceiptNumber},
				Channels: channels,
				Text:     "Hi {{1}}, a payment of {{2}} is pending for {{3}}.",
			},
			EventServiceAssigned: {
				Template: "service_assigned",
				Language: "en",
				Params:   []string{TokenCustomerName, TokenEngineerName, TokenReceiptNumber},
				Channels: channels,
				Text:     "Hi {{1}}, engineer {{2}} has been assigned to complaint {{3}}.",
			},
			EventServiceCompleted: {
				Template: "service_completed",
				Language: "en",
				Params:   []string{TokenCustomerName, TokenReceiptNumber},
				Channels: channels,
				Text:     "Hi {{1}}, complaint {{2}} has been resolved.",
			},
		},
	}
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*(\d+)\s*\}\}`)

// PlaceholderCount returns the number of distinct positional placeholders
// in text, and an error when they are not numbered 1..n without gaps.
func PlaceholderCount(text string) (int, error) {
	seen := map[int]struct{}{}
	for _, match := range placeholderPattern.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(match[1])
		if err != nil || n < 1 {
			return 0, fmt.Errorf("invalid placeholder %q", match[0])
		}
		seen[n] = struct{}{}
	}
	for i := 1; i <= len(seen); i++ {
		if _, ok := seen[i]; !ok {
			return 0, fmt.Errorf("placeholder {{%d}} missing", i)
		}
	}
	return len(seen), nil
}

func (t EventTemplate) validate(event string) error {
	if strings.TrimSpace(t.Template) == "" {
		return &ConfigError{Event: event, Reason: "template name is required"}
	}
	if strings.TrimSpace(t.Language) == "" {
		return &ConfigError{Event: event, Reason: "language is required"}
	}
	if len(t.Channels) == 0 {
		return &ConfigError{Event: event, Reason: "at least one channel is required"}
	}
	for _, channel := range t.Channels {
		if strings.TrimSpace(channel) == "" {
			return &ConfigError{Event: event, Reason: "channel names must not be empty"}
		}
	}
	for _, token := range t.Params {
		if !KnownToken(token) {
			return &ConfigError{Event: event, Reason: fmt.Sprintf("unknown parameter token %q", token)}
		}
	}
	if t.Text == "" && t.Placeholders == 0 {
		return &ConfigError{Event: event, Reason: "text or placeholders is required to check params"}
	}
	if t.Placeholders > 0 && t.Placeholders != len(t.Params) {
		return &ConfigError{Event: event, Reason: fmt.Sprintf("template expects %d placeholders, %d params configured", t.Placeholders, len(t.Params))}
	}
	if t.Text != "" {
		count, err := PlaceholderCount(t.Text)
		if err != nil {
			return &ConfigError{Event: event, Reason: err.Error()}
		}
		if count != len(t.Params) {
			return &ConfigError{Event: event, Reason: fmt.Sprintf("text has %d placeholders, %d params configured", count, len(t.Params))}
		}
	}
	return nil
}

// Validate checks every event mapping and reports all problems at once.
func (c TemplateConfig) Validate() error {
	if len(c.Events) == 0 {
		return &ConfigError{Reason: "no events configured"}
	}
	names := make([]string, 0, len(c.Events))
	for name := range c.Events {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, &ConfigError{Reason: "event key must not be empty"})
			continue
		}
		if err := c.Events[name].validate(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Resolve returns the first key that has a mapping.
func (c TemplateConfig) Resolve(keys ...string) (string, EventTemplate, bool) {
	for _, key := range keys {
		if tmpl, ok := c.Events[key]; ok {
			return key, tmpl, true
		}
	}
	return "", EventTemplate{}, false
}

func ParseTemplates(data []byte) (TemplateConfig, error) {
	var cfg TemplateConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return TemplateConfig{}, &ConfigError{Reason: "parse: " + err.Error()}
	}
	return cfg, nil
}

func MarshalTemplates(cfg TemplateConfig) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// TemplateSource yields the mapping used for one dispatch.
type TemplateSource interface {
	Templates(ctx context.Context) (TemplateConfig, error)
}

// Loader is the single load-or-default path for the template mapping: the
// record saved through the settings editor wins, then the YAML file, then
// the built-in defaults. Whatever is loaded is validated; an invalid
// document is an error, never silently merged with defaults.
type Loader struct {
	Settings store.SettingsStore
	Path     string
}

func (l Loader) Templates(ctx context.Context) (TemplateConfig, error) {
	if l.Settings != nil {
		record, found, err := l.Settings.LoadNotificationSettings(ctx)
		if err != nil {
			return TemplateConfig{}, fmt.Errorf("load notification settings: %w", err)
		}
		if found {
			cfg, err := ParseTemplates(record.Body)
			if err != nil {
				return TemplateConfig{}, err
			}
			cfg.Version = record.Version
			if err := cfg.Validate(); err != nil {
				return TemplateConfig{}, err
			}
			return cfg, nil
		}
	}

	if l.Path != "" {
		data, err := os.ReadFile(l.Path)
		switch {
		case err == nil:
			cfg, err := ParseTemplates(data)
			if err != nil {
				return TemplateConfig{}, err
			}
			if err := cfg.Validate(); err != nil {
				return TemplateConfig{}, err
			}
			return cfg, nil
		case !errors.Is(err, os.ErrNotExist):
			return TemplateConfig{}, fmt.Errorf("read templates file: %w", err)
		}
	}

	return DefaultTemplates(), nil
}
