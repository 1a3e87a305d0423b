// Package memory is an in-process store with the same atomicity guarantees
// as the Postgres store. Every method holds one mutex for its whole body, so
// check-then-set sequences cannot interleave.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"repaircrm/ticket-service/internal/models"
	"repaircrm/ticket-service/internal/store"
)

var ErrDuplicateCode = errors.New("tracking code already exists")

type Store struct {
	mu sync.Mutex

	receipts      map[int64]models.ReceiptTicket
	services      map[int64]models.ServiceTicket
	codes         map[string]models.TicketRef
	events        map[models.TicketRef][]store.StatusEvent
	visits        map[int64][]models.ServiceVisit
	challenges    []models.OtpChallenge
	settings      *store.SettingsRecord
	notifications []store.Notification
	now           func() time.Time
}

func New() *Store {
	return &Store{
		receipts: map[int64]models.ReceiptTicket{},
		services: map[int64]models.ServiceTicket{},
		codes:    map[string]models.TicketRef{},
		events:   map[models.TicketRef][]store.StatusEvent{},
		visits:   map[int64][]models.ServiceVisit{},
		now:      time.Now,
	}
}

func (s *Store) AddReceipt(receipt models.ReceiptTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.codes[receipt.TrackingCode]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCode, receipt.TrackingCode)
	}
	s.receipts[receipt.ID] = receipt
	s.codes[receipt.TrackingCode] = receipt.Ref()
	return nil
}

func (s *Store) AddServiceTicket(ticket models.ServiceTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.codes[ticket.TrackingCode]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCode, ticket.TrackingCode)
	}
	s.services[ticket.ID] = ticket
	s.codes[ticket.TrackingCode] = ticket.Ref()
	return nil
}

func (s *Store) AddVisit(visit models.ServiceVisit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visits[visit.TicketID] = append(s.visits[visit.TicketID], visit)
}

func (s *Store) FindReceiptByCode(ctx context.Context, code string) (*models.ReceiptTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.codes[code]
	if !ok || ref.Kind != models.KindReceipt {
		return nil, store.ErrTicketNotFound
	}
	receipt := s.receipts[ref.ID]
	return &receipt, nil
}

func (s *Store) FindServiceTicketByCode(ctx context.Context, code string) (*models.ServiceTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.codes[code]
	if !ok || ref.Kind != models.KindService {
		return nil, store.ErrTicketNotFound
	}
	ticket := s.services[ref.ID]
	return &ticket, nil
}

func (s *Store) GetTicket(ctx context.Context, ref models.TicketRef) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticketLocked(ref)
}

func (s *Store) ticketLocked(ref models.TicketRef) (models.Ticket, error) {
	switch ref.Kind {
	case models.KindReceipt:
		receipt, ok := s.receipts[ref.ID]
		if !ok {
			return nil, store.ErrTicketNotFound
		}
		return &receipt, nil
	case models.KindService:
		ticket, ok := s.services[ref.ID]
		if !ok {
			return nil, store.ErrTicketNotFound
		}
		return &ticket, nil
	default:
		return nil, store.ErrTicketNotFound
	}
}

func (s *Store) UpdateStatus(ctx context.Context, update store.StatusUpdate) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.ticketLocked(update.Ref)
	if err != nil {
		return nil, err
	}
	if current.CurrentStatus() != update.From {
		return nil, store.ErrStatusConflict
	}
	at := update.OccurredAt
	if at.IsZero() {
		at = s.now().UTC()
	}

	switch t := current.(type) {
	case *models.ReceiptTicket:
		t.Status = update.To
		t.UpdatedAt = at
		if update.To == models.StatusDelivered {
			delivered := at
			t.DeliveredAt = &delivered
			t.DeliveredTo = update.DeliveredTo
			if update.DeliveryNote != "" {
				t.DeliveryNote = update.DeliveryNote
			}
		}
		s.receipts[t.ID] = *t
	case *models.ServiceTicket:
		t.Status = update.To
		t.UpdatedAt = at
		s.services[t.ID] = *t
	}

	events := s.events[update.Ref]
	var prev *store.StatusEvent
	if len(events) > 0 {
		prev = &events[len(events)-1]
	}
	event := store.NextStatusEvent(prev, store.StatusEvent{
		Ticket:    update.Ref,
		From:      update.From,
		To:        update.To,
		Actor:     update.Actor,
		Note:      update.Note,
		Override:  update.Override,
		CreatedAt: at,
	})
	s.events[update.Ref] = append(events, event)

	return s.ticketLocked(update.Ref)
}

func (s *Store) ListStatusEvents(ctx context.Context, ref models.TicketRef) ([]store.StatusEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.StatusEvent(nil), s.events[ref]...), nil
}

func (s *Store) ListServiceVisits(ctx context.Context, ticketID int64) ([]models.ServiceVisit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	visits := append([]models.ServiceVisit(nil), s.visits[ticketID]...)
	sort.SliceStable(visits, func(i, j int) bool { return visits[i].VisitedAt.Before(visits[j].VisitedAt) })
	return visits, nil
}

func (s *Store) ReplaceChallenge(ctx context.Context, challenge models.OtpChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.challenges {
		c := &s.challenges[i]
		if c.Ticket == challenge.Ticket && !c.Consumed {
			at := challenge.CreatedAt
			c.Consumed = true
			c.Superseded = true
			c.ConsumedAt = &at
		}
	}
	s.challenges = append(s.challenges, challenge)
	return nil
}

func (s *Store) UpdateLiveChallenge(ctx context.Context, ref models.TicketRef, fn func(*models.OtpChallenge) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.challenges) - 1; i >= 0; i-- {
		c := &s.challenges[i]
		if c.Ticket != ref || c.Consumed {
			continue
		}
		working := *c
		fnErr := fn(&working)
		c.Attempts = working.Attempts
		c.Consumed = working.Consumed
		c.ConsumedAt = working.ConsumedAt
		return fnErr
	}
	return store.ErrChallengeNotFound
}

func (s *Store) SupersededCode(ctx context.Context, ref models.TicketRef, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.challenges {
		if c.Ticket == ref && c.Superseded && c.Code == code {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) PurgeChallenges(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.challenges[:0]
	var purged int64
	for _, c := range s.challenges {
		stale := c.ExpiresAt.Before(before) || (c.Consumed && c.ConsumedAt != nil && c.ConsumedAt.Before(before))
		if stale {
			purged++
			continue
		}
		kept = append(kept, c)
	}
	s.challenges = kept
	return purged, nil
}

// Challenges returns every stored challenge for ref, oldest first.
func (s *Store) Challenges(ref models.TicketRef) []models.OtpChallenge {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.OtpChallenge
	for _, c := range s.challenges {
		if c.Ticket == ref {
			out = append(out, c)
		}
	}
	return out
}

func (s *Store) LoadNotificationSettings(ctx context.Context) (store.SettingsRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings == nil {
		return store.SettingsRecord{}, false, nil
	}
	record := *s.settings
	record.Body = append([]byte(nil), s.settings.Body...)
	return record, true, nil
}

func (s *Store) SaveNotificationSettings(ctx context.Context, body []byte, expectedVersion int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := 0
	if s.settings != nil {
		current = s.settings.Version
	}
	if current != expectedVersion {
		return 0, store.ErrVersionConflict
	}
	s.settings = &store.SettingsRecord{
		Version:   current + 1,
		Body:      append([]byte(nil), body...),
		UpdatedAt: s.now().UTC(),
	}
	return s.settings.Version, nil
}

func (s *Store) InsertNotification(ctx context.Context, notification store.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, notification)
	return nil
}

func (s *Store) MarkNotificationSent(ctx context.Context, notificationID string) error {
	return s.markNotification(notificationID, "sent", "")
}

func (s *Store) MarkNotificationFailed(ctx context.Context, notificationID, lastError string) error {
	return s.markNotification(notificationID, "failed", lastError)
}

func (s *Store) markNotification(id, status, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.notifications {
		if s.notifications[i].NotificationID == id {
			s.notifications[i].Status = status
			s.notifications[i].LastError = lastError
			return nil
		}
	}
	return fmt.Errorf("notification %s not found", id)
}

// Notifications returns the notification log, oldest first.
func (s *Store) Notifications() []store.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Notification(nil), s.notifications...)
}

var _ store.Store = (*Store)(nil)
