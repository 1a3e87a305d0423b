package httpapi

import (
	"log"
	"net/http"
	"strings"

	"repaircrm/ticket-service/internal/hub"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
)

type RealtimeOptions struct {
	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins []string
}

// NewRealtimeHandler serves dashboard sessions under /realtime. A session
// receives every status change until it subscribes with a filter such as
// {"action":"subscribe","kind":"service","engineer_id":"7"}; unsubscribe
// clears the filter again.
func NewRealtimeHandler(h *hub.Hub, opts RealtimeOptions) http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		if !originAllowed(session.Request(), opts.AllowedOrigins) {
			_ = session.Close(4003, "origin not allowed")
			return
		}

		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				log.Printf("realtime ignored message client=%s", client.ID)
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.UpdateSubscription(client, hub.Subscription{})
				continue
			}
			h.UpdateSubscription(client, parsed.Subscription())
		}
	})
}

func originAllowed(r *http.Request, allowed []string) bool {
	if len(allowed) == 0 || r == nil {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, candidate := range allowed {
		if strings.EqualFold(candidate, origin) {
			return true
		}
	}
	return false
}
