// Package tracking resolves public tracking codes to tickets. The two-letter
// prefix of a code decides which table is consulted; a code with any other
// prefix is rejected without touching the store.
package tracking

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"
	"unicode"

	"repaircrm/ticket-service/internal/models"
	"repaircrm/ticket-service/internal/status"
	"repaircrm/ticket-service/internal/store"
)

var ErrNotFound = errors.New("tracking code not found")

type Result struct {
	Kind    models.Kind
	Receipt *models.ReceiptTicket
	Service *models.ServiceTicket
	History []store.StatusEvent
	Visits  []models.ServiceVisit
}

func (r Result) Ticket() models.Ticket {
	if r.Kind == models.KindService {
		return r.Service
	}
	return r.Receipt
}

type Resolver struct {
	store store.TicketStore
}

func NewResolver(store store.TicketStore) *Resolver {
	return &Resolver{store: store}
}

func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// KindOf maps the leading alphabetic run of a normalized code to a ticket
// kind. "TD001" is a receipt, "TE001" a service ticket, "TDX001" neither.
func KindOf(code string) (models.Kind, bool) {
	end := strings.IndexFunc(code, func(r rune) bool { return !unicode.IsLetter(r) })
	if end < 0 {
		end = len(code)
	}
	switch code[:end] {
	case models.ReceiptCodePrefix:
		return models.KindReceipt, true
	case models.ServiceCodePrefix:
		return models.KindService, true
	default:
		return "", false
	}
}

// Locate finds the ticket behind a code without loading history.
func (r *Resolver) Locate(ctx context.Context, code string) (models.Ticket, error) {
	code = Normalize(code)
	kind, ok := KindOf(code)
	if !ok {
		return nil, ErrNotFound
	}
	switch kind {
	case models.KindReceipt:
		receipt, err := r.store.FindReceiptByCode(ctx, code)
		if err != nil {
			return nil, mapNotFound(err)
		}
		return receipt, nil
	default:
		ticket, err := r.store.FindServiceTicketByCode(ctx, code)
		if err != nil {
			return nil, mapNotFound(err)
		}
		return ticket, nil
	}
}

// Resolve locates the ticket and enriches it with status history, and for
// service tickets the visit history. Enrichment failures are logged and
// leave the lists empty.
func (r *Resolver) Resolve(ctx context.Context, code string) (Result, error) {
	ticket, err := r.Locate(ctx, code)
	if err != nil {
		return Result{}, err
	}

	result := Result{Kind: ticket.Ref().Kind}
	switch t := ticket.(type) {
	case *models.ReceiptTicket:
		result.Receipt = t
	case *models.ServiceTicket:
		result.Service = t
		visits, err := r.store.ListServiceVisits(ctx, t.ID)
		if err != nil {
			log.Printf("tracking visits error code=%s err=%v", t.TrackingCode, err)
		} else {
			result.Visits = visits
		}
	}

	history, err := r.store.ListStatusEvents(ctx, ticket.Ref())
	if err != nil {
		log.Printf("tracking history error code=%s err=%v", ticket.Code(), err)
	} else {
		result.History = history
	}
	return result, nil
}

func mapNotFound(err error) error {
	if errors.Is(err, store.ErrTicketNotFound) {
		return ErrNotFound
	}
	return err
}

// PublicView is the shape returned to anonymous tracking lookups.
type PublicView struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type publicHistory struct {
	From      models.Status `json:"from"`
	To        models.Status `json:"to"`
	Note      string        `json:"note,omitempty"`
	CreatedAt string        `json:"created_at"`
}

type receiptData struct {
	models.ReceiptTicket
	Display status.Display  `json:"display"`
	History []publicHistory `json:"history"`
}

type serviceData struct {
	models.ServiceTicket
	Display status.Display        `json:"display"`
	History []publicHistory       `json:"history"`
	Visits  []models.ServiceVisit `json:"visits"`
}

// View renders a result for the public tracking page. Phone numbers are
// masked and override actors are not exposed.
func View(result Result) PublicView {
	history := make([]publicHistory, 0, len(result.History))
	for _, event := range result.History {
		history = append(history, publicHistory{
			From:      event.From,
			To:        event.To,
			Note:      event.Note,
			CreatedAt: event.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	if result.Kind == models.KindService && result.Service != nil {
		data := serviceData{
			ServiceTicket: *result.Service,
			Display:       status.Describe(models.KindService, result.Service.Status),
			History:       history,
			Visits:        result.Visits,
		}
		data.CustomerPhone = models.MaskPhone(data.CustomerPhone)
		if data.Visits == nil {
			data.Visits = []models.ServiceVisit{}
		}
		return PublicView{Type: string(models.KindService), Data: data}
	}

	data := receiptData{
		ReceiptTicket: *result.Receipt,
		Display:       status.Describe(models.KindReceipt, result.Receipt.Status),
		History:       history,
	}
	data.CustomerPhone = models.MaskPhone(data.CustomerPhone)
	data.CompanyPhone = models.MaskPhone(data.CompanyPhone)
	return PublicView{Type: string(models.KindReceipt), Data: data}
}
