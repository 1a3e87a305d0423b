package hub

import (
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"repaircrm/ticket-service/internal/models"
	"repaircrm/ticket-service/internal/status"
)

// Subscription filters what a dashboard receives. Empty fields match
// everything, so a zero Subscription sees every ticket.
type Subscription struct {
	Kind       models.Kind
	TicketCode string
	EngineerID string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

type SubscribeMessage struct {
	Action     string `json:"action"`
	Kind       string `json:"kind"`
	TicketCode string `json:"ticket_code"`
	EngineerID string `json:"engineer_id"`
}

// StatusChange is the payload pushed to dashboards after a commit.
type StatusChange struct {
	Kind       models.Kind    `json:"kind"`
	TicketCode string         `json:"ticket_code"`
	From       models.Status  `json:"from"`
	To         models.Status  `json:"to"`
	Override   bool           `json:"override"`
	Display    status.Display `json:"display"`
	EngineerID string         `json:"engineer_id,omitempty"`
}

type envelope struct {
	Type      string       `json:"type"`
	Payload   StatusChange `json:"payload"`
	CreatedAt time.Time    `json:"created_at"`
}

func New() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) Broadcast(payload []byte, meta Subscription) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, meta) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			log.Printf("drop message for client %s", client.ID)
		}
	}
}

// StatusChanged pushes a committed status change to matching dashboards.
func (h *Hub) StatusChanged(ticket models.Ticket, from models.Status, override bool) {
	ref := ticket.Ref()
	change := StatusChange{
		Kind:       ref.Kind,
		TicketCode: ticket.Code(),
		From:       from,
		To:         ticket.CurrentStatus(),
		Override:   override,
		Display:    status.Describe(ref.Kind, ticket.CurrentStatus()),
	}
	if service, ok := ticket.(*models.ServiceTicket); ok && service.EngineerID != nil {
		change.EngineerID = strconv.FormatInt(*service.EngineerID, 10)
	}
	payload, err := json.Marshal(envelope{Type: "ticket.status_changed", Payload: change, CreatedAt: time.Now().UTC()})
	if err != nil {
		log.Printf("hub marshal error: %v", err)
		return
	}
	h.Broadcast(payload, Subscription{Kind: change.Kind, TicketCode: change.TicketCode, EngineerID: change.EngineerID})
}

func match(sub Subscription, meta Subscription) bool {
	if sub.Kind != "" && meta.Kind != sub.Kind {
		return false
	}
	if sub.TicketCode != "" && meta.TicketCode != sub.TicketCode {
		return false
	}
	if sub.EngineerID != "" && meta.EngineerID != sub.EngineerID {
		return false
	}
	return true
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	switch models.Kind(msg.Kind) {
	case "", models.KindReceipt, models.KindService:
	default:
		return SubscribeMessage{}, false
	}
	msg.TicketCode = strings.ToUpper(strings.TrimSpace(msg.TicketCode))
	return msg, true
}

func (m SubscribeMessage) Subscription() Subscription {
	return Subscription{
		Kind:       models.Kind(m.Kind),
		TicketCode: m.TicketCode,
		EngineerID: strings.TrimSpace(m.EngineerID),
	}
}
