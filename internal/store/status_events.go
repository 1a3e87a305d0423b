package store

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"repaircrm/ticket-service/internal/models"
)

var ErrChainBroken = errors.New("status event chain broken")

type StatusEvent struct {
	Ticket    models.TicketRef `json:"ticket"`
	Seq       int              `json:"seq"`
	From      models.Status    `json:"from"`
	To        models.Status    `json:"to"`
	Actor     string           `json:"actor,omitempty"`
	Note      string           `json:"note,omitempty"`
	Override  bool             `json:"override"`
	CreatedAt time.Time        `json:"created_at"`
	PrevHash  string           `json:"prev_hash"`
	Hash      string           `json:"hash"`
}

func ComputeStatusEventHash(prevHash string, event StatusEvent) string {
	raw := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%t|%s|%d",
		prevHash,
		event.Ticket.Kind,
		event.Ticket.ID,
		event.From,
		event.To,
		event.Actor,
		event.Override,
		event.CreatedAt.UTC().Format(time.RFC3339Nano),
		event.Seq,
	)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// NextStatusEvent seals event as the successor of prev (nil for the first
// event of a ticket).
func NextStatusEvent(prev *StatusEvent, event StatusEvent) StatusEvent {
	event.Seq = 1
	event.PrevHash = ""
	if prev != nil {
		event.Seq = prev.Seq + 1
		event.PrevHash = prev.Hash
	}
	event.Hash = ComputeStatusEventHash(event.PrevHash, event)
	return event
}

// VerifyChain checks sequence numbers and hashes of a ticket's events in
// ascending order.
func VerifyChain(events []StatusEvent) error {
	prevHash := ""
	for i, event := range events {
		if event.Seq != i+1 {
			return fmt.Errorf("%w: seq %d at position %d", ErrChainBroken, event.Seq, i)
		}
		if event.PrevHash != prevHash {
			return fmt.Errorf("%w: prev hash mismatch at seq %d", ErrChainBroken, event.Seq)
		}
		if ComputeStatusEventHash(prevHash, event) != event.Hash {
			return fmt.Errorf("%w: hash mismatch at seq %d", ErrChainBroken, event.Seq)
		}
		prevHash = event.Hash
	}
	return nil
}
