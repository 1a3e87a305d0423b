package store

import (
	"context"
	"time"

	"repaircrm/ticket-service/internal/models"
)

type StatusUpdate struct {
	Ref          models.TicketRef
	From         models.Status
	To           models.Status
	Actor        string
	Note         string
	Override     bool
	DeliveredTo  string
	DeliveryNote string
	OccurredAt   time.Time
}

// TicketStore reads tickets and commits status changes. UpdateStatus only
// applies when the stored status still equals update.From and returns
// ErrStatusConflict otherwise; every applied update appends a status event.
type TicketStore interface {
	FindReceiptByCode(ctx context.Context, code string) (*models.ReceiptTicket, error)
	FindServiceTicketByCode(ctx context.Context, code string) (*models.ServiceTicket, error)
	GetTicket(ctx context.Context, ref models.TicketRef) (models.Ticket, error)
	UpdateStatus(ctx context.Context, update StatusUpdate) (models.Ticket, error)
	ListStatusEvents(ctx context.Context, ref models.TicketRef) ([]StatusEvent, error)
	ListServiceVisits(ctx context.Context, ticketID int64) ([]models.ServiceVisit, error)
}

// ChallengeStore holds OTP challenges.
//
// ReplaceChallenge marks every unconsumed challenge of the ticket consumed and
// superseded, and inserts the new one in a single atomic step.
//
// UpdateLiveChallenge locks the newest unconsumed challenge of the ticket,
// passes it to fn, and persists Attempts, Consumed and ConsumedAt as fn left
// them, even when fn returns an error. The error from fn is returned as is.
// ErrChallengeNotFound is returned when no unconsumed challenge exists.
//
// SupersededCode reports whether code belongs to a challenge of the ticket
// that a later issue replaced before it was verified.
type ChallengeStore interface {
	ReplaceChallenge(ctx context.Context, challenge models.OtpChallenge) error
	UpdateLiveChallenge(ctx context.Context, ref models.TicketRef, fn func(*models.OtpChallenge) error) error
	SupersededCode(ctx context.Context, ref models.TicketRef, code string) (bool, error)
	PurgeChallenges(ctx context.Context, before time.Time) (int64, error)
}

type SettingsRecord struct {
	Version   int
	Body      []byte
	UpdatedAt time.Time
}

type SettingsStore interface {
	LoadNotificationSettings(ctx context.Context) (SettingsRecord, bool, error)
	SaveNotificationSettings(ctx context.Context, body []byte, expectedVersion int) (int, error)
}

type Notification struct {
	NotificationID string
	Event          string
	TicketCode     string
	Channel        string
	Recipient      string
	Status         string
	Attempts       int
	LastError      string
	Message        string
	CreatedAt      time.Time
}

type NotificationLog interface {
	InsertNotification(ctx context.Context, notification Notification) error
	MarkNotificationSent(ctx context.Context, notificationID string) error
	MarkNotificationFailed(ctx context.Context, notificationID, lastError string) error
}

type Store interface {
	TicketStore
	ChallengeStore
	SettingsStore
	NotificationLog
}
