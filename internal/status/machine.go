// Package status holds the per-kind transition tables for tickets and the
// display metadata derived from a status. Everything here is pure: callers
// decide what to persist and which transitions need extra confirmation.
package status

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"repaircrm/ticket-service/internal/models"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnknownKind       = errors.New("unknown ticket kind")
)

type TransitionError struct {
	Kind models.Kind
	From models.Status
	To   models.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s ticket cannot move from %q to %q", e.Kind, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

var transitionMap = map[models.Kind]map[models.Status][]models.Status{
	models.KindReceipt: {
		models.StatusPending:        {models.StatusInProcess, models.StatusNotRepaired},
		models.StatusInProcess:      {models.StatusProductOrdered, models.StatusReadyToDeliver, models.StatusNotRepaired},
		models.StatusProductOrdered: {models.StatusReadyToDeliver, models.StatusNotRepaired},
		models.StatusReadyToDeliver: {models.StatusDelivered, models.StatusNotRepaired},
		models.StatusDelivered:      nil,
		models.StatusNotRepaired:    nil,
	},
	models.KindService: {
		models.StatusPending:    {models.StatusAssigned, models.StatusCancelled},
		models.StatusAssigned:   {models.StatusInProgress, models.StatusCancelled},
		models.StatusInProgress: {models.StatusCompleted, models.StatusCancelled},
		models.StatusCompleted:  nil,
		models.StatusCancelled:  nil,
	},
}

// statusOrder lists every status of a kind in display order.
var statusOrder = map[models.Kind][]models.Status{
	models.KindReceipt: {
		models.StatusPending,
		models.StatusInProcess,
		models.StatusProductOrdered,
		models.StatusReadyToDeliver,
		models.StatusDelivered,
		models.StatusNotRepaired,
	},
	models.KindService: {
		models.StatusPending,
		models.StatusAssigned,
		models.StatusInProgress,
		models.StatusCompleted,
		models.StatusCancelled,
	},
}

func ValidTransition(kind models.Kind, from, to models.Status) bool {
	for _, next := range transitionMap[kind][from] {
		if next == to {
			return true
		}
	}
	return false
}

// Allowed returns the statuses reachable from from in one step.
func Allowed(kind models.Kind, from models.Status) []models.Status {
	next := transitionMap[kind][from]
	out := make([]models.Status, len(next))
	copy(out, next)
	return out
}

func Known(kind models.Kind, value models.Status) bool {
	_, ok := transitionMap[kind][value]
	return ok
}

func Statuses(kind models.Kind) []models.Status {
	order := statusOrder[kind]
	out := make([]models.Status, len(order))
	copy(out, order)
	return out
}

func Terminal(kind models.Kind, value models.Status) bool {
	next, ok := transitionMap[kind][value]
	return ok && len(next) == 0
}

// Transition validates the edge from the ticket's current status to to and
// returns a copy of the ticket carrying the new status. The input ticket is
// never modified.
func Transition(ticket models.Ticket, to models.Status) (models.Ticket, error) {
	kind := ticket.Ref().Kind
	from := ticket.CurrentStatus()
	if !ValidTransition(kind, from, to) {
		return nil, &TransitionError{Kind: kind, From: from, To: to}
	}
	return WithStatus(ticket, to)
}

// WithStatus copies the ticket with a new status and no validation.
func WithStatus(ticket models.Ticket, to models.Status) (models.Ticket, error) {
	switch t := ticket.(type) {
	case *models.ReceiptTicket:
		next := *t
		next.Status = to
		return &next, nil
	case *models.ServiceTicket:
		next := *t
		next.Status = to
		return &next, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, ticket)
	}
}

// ParseStatus matches raw against the statuses of kind ignoring case,
// spacing and punctuation, so "ready_to_deliver" and "Ready to Deliver"
// are the same status.
func ParseStatus(kind models.Kind, raw string) (models.Status, bool) {
	want := squash(raw)
	if want == "" {
		return "", false
	}
	for _, candidate := range statusOrder[kind] {
		if squash(string(candidate)) == want {
			return candidate, true
		}
	}
	return "", false
}

// Slug renders a status as a lower snake case key.
func Slug(value models.Status) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(string(value)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

func squash(value string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(value) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
