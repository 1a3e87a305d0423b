package hub

import (
	"encoding/json"
	"testing"

	"repaircrm/ticket-service/internal/models"
)

func TestMatch(t *testing.T) {
	meta := Subscription{Kind: models.KindService, TicketCode: "TE042", EngineerID: "7"}
	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"everything", Subscription{}, true},
		{"same kind", Subscription{Kind: models.KindService}, true},
		{"other kind", Subscription{Kind: models.KindReceipt}, false},
		{"same engineer", Subscription{Kind: models.KindService, EngineerID: "7"}, true},
		{"other engineer", Subscription{EngineerID: "8"}, false},
		{"single ticket", Subscription{TicketCode: "TE042"}, true},
		{"other ticket", Subscription{TicketCode: "TE043"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := match(tc.sub, meta); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestParseSubscribe(t *testing.T) {
	msg, ok := ParseSubscribe([]byte(`{"action":"subscribe","kind":"service","engineer_id":" 7 ","ticket_code":"te042"}`))
	if !ok {
		t.Fatalf("expected subscribe message to parse")
	}
	sub := msg.Subscription()
	if sub.Kind != models.KindService || sub.EngineerID != "7" || sub.TicketCode != "TE042" {
		t.Fatalf("unexpected subscription: %+v", sub)
	}

	for _, raw := range []string{`not json`, `{"action":"publish"}`, `{"action":"subscribe","kind":"invoice"}`} {
		if _, ok := ParseSubscribe([]byte(raw)); ok {
			t.Fatalf("expected %s to be rejected", raw)
		}
	}
}

func TestStatusChangedReachesMatchingClients(t *testing.T) {
	h := New()
	engineer := &Client{ID: "eng", Send: make(chan []byte, 1), Subscription: Subscription{Kind: models.KindService, EngineerID: "7"}}
	desk := &Client{ID: "desk", Send: make(chan []byte, 1), Subscription: Subscription{Kind: models.KindReceipt}}
	h.Register(engineer)
	h.Register(desk)
	defer h.Unregister(engineer)
	defer h.Unregister(desk)

	engineerID := int64(7)
	ticket := &models.ServiceTicket{ID: 42, TrackingCode: "TE042", Status: models.StatusInProgress, EngineerID: &engineerID}
	h.StatusChanged(ticket, models.StatusAssigned, false)

	select {
	case raw := <-engineer.Send:
		var env struct {
			Type    string       `json:"type"`
			Payload StatusChange `json:"payload"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.Type != "ticket.status_changed" || env.Payload.To != models.StatusInProgress || env.Payload.Display.Progress != 75 {
			t.Fatalf("unexpected payload: %+v", env)
		}
	default:
		t.Fatalf("expected engineer dashboard to receive the change")
	}

	select {
	case <-desk.Send:
		t.Fatalf("receipt dashboard should not see service tickets")
	default:
	}
}

func TestUnregisterTwiceIsSafe(t *testing.T) {
	h := New()
	client := &Client{ID: "c", Send: make(chan []byte, 1)}
	h.Register(client)
	h.Unregister(client)
	h.Unregister(client)
}
