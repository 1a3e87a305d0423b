// Package otp issues and verifies the one-time codes that gate delivery of
// a repaired item.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"strings"
	"time"

	"repaircrm/ticket-service/internal/metrics"
	"repaircrm/ticket-service/internal/models"
	"repaircrm/ticket-service/internal/notify"
	"repaircrm/ticket-service/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultTTL         = 10 * time.Minute
	DefaultMaxAttempts = 5
	codeDigits         = 6
)

var (
	ErrNotFound             = errors.New("otp not found")
	ErrExpired              = errors.New("otp expired")
	ErrInvalidOTP           = errors.New("invalid otp")
	ErrRecipientUnavailable = errors.New("recipient unavailable")
	ErrInvalidRecipient     = errors.New("invalid recipient")
)

var tracer = otel.Tracer("repaircrm/otp")

type Selector string

const (
	SelectPrimary   Selector = "primary"
	SelectSecondary Selector = "secondary"
	SelectCustom    Selector = "custom"
)

func ParseSelector(value string) (Selector, error) {
	switch Selector(strings.ToLower(strings.TrimSpace(value))) {
	case "", SelectPrimary:
		return SelectPrimary, nil
	case SelectSecondary:
		return SelectSecondary, nil
	case SelectCustom:
		return SelectCustom, nil
	default:
		return "", fmt.Errorf("%w: unknown selector %q", ErrInvalidRecipient, value)
	}
}

// Recipient chooses who receives the code. Name and Phone are only read for
// SelectCustom.
type Recipient struct {
	Selector Selector
	Name     string
	Phone    string
}

// SelectRecipient resolves a selector against the ticket's contacts.
func SelectRecipient(ticket models.Ticket, recipient Recipient) (models.Contact, error) {
	switch recipient.Selector {
	case "", SelectPrimary:
		contact := ticket.Primary()
		phone, err := NormalizePhone(contact.Phone)
		if err != nil {
			return models.Contact{}, fmt.Errorf("%w: primary contact has no usable phone", ErrRecipientUnavailable)
		}
		contact.Phone = phone
		return contact, nil
	case SelectSecondary:
		contact, ok := ticket.Secondary()
		if !ok {
			return models.Contact{}, fmt.Errorf("%w: ticket has no secondary contact", ErrRecipientUnavailable)
		}
		phone, err := NormalizePhone(contact.Phone)
		if err != nil {
			return models.Contact{}, fmt.Errorf("%w: secondary contact has no usable phone", ErrRecipientUnavailable)
		}
		contact.Phone = phone
		return contact, nil
	case SelectCustom:
		name := strings.TrimSpace(recipient.Name)
		if name == "" {
			return models.Contact{}, fmt.Errorf("%w: name is required", ErrInvalidRecipient)
		}
		phone, err := NormalizePhone(recipient.Phone)
		if err != nil {
			return models.Contact{}, err
		}
		return models.Contact{Name: name, Phone: phone}, nil
	default:
		return models.Contact{}, fmt.Errorf("%w: unknown selector %q", ErrInvalidRecipient, recipient.Selector)
	}
}

// NormalizePhone strips formatting and a leading plus, leaving 8 to 16 digits.
func NormalizePhone(phone string) (string, error) {
	replacer := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "")
	cleaned := strings.TrimPrefix(replacer.Replace(strings.TrimSpace(phone)), "+")
	if len(cleaned) < 8 || len(cleaned) > 16 {
		return "", fmt.Errorf("%w: phone must have 8 to 16 digits", ErrInvalidRecipient)
	}
	for _, r := range cleaned {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: phone must be numeric", ErrInvalidRecipient)
		}
	}
	return cleaned, nil
}

// Notifier receives the delivery OTP event. Delivery is asynchronous.
type Notifier interface {
	Notify(event notify.Event)
}

type Options struct {
	TTL         time.Duration
	MaxAttempts int
	Now         func() time.Time
	Rand        io.Reader
}

type Manager struct {
	store       store.ChallengeStore
	notifier    Notifier
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
	rand        io.Reader
}

func NewManager(challenges store.ChallengeStore, notifier Notifier, opts Options) *Manager {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	random := opts.Rand
	if random == nil {
		random = rand.Reader
	}
	return &Manager{
		store:       challenges,
		notifier:    notifier,
		ttl:         ttl,
		maxAttempts: maxAttempts,
		now:         now,
		rand:        random,
	}
}

func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Issue creates a challenge for ticket, invalidating any earlier unconsumed
// one, and hands the code to the notifier. The returned challenge carries the
// code for the caller's own use; it must not be echoed to clients.
func (m *Manager) Issue(ctx context.Context, ticket models.Ticket, recipient Recipient) (models.OtpChallenge, error) {
	ctx, span := tracer.Start(ctx, "otp.Issue")
	defer span.End()
	span.SetAttributes(attribute.String("ticket.code", ticket.Code()), attribute.String("otp.recipient", string(recipient.Selector)))

	contact, err := SelectRecipient(ticket, recipient)
	if err != nil {
		span.RecordError(err)
		return models.OtpChallenge{}, err
	}

	code, err := generateCode(m.rand)
	if err != nil {
		span.RecordError(err)
		return models.OtpChallenge{}, fmt.Errorf("generate otp: %w", err)
	}

	now := m.now().UTC()
	challenge := models.OtpChallenge{
		ChallengeID:   uuid.NewString(),
		Ticket:        ticket.Ref(),
		RecipientName: contact.Name,
		Phone:         contact.Phone,
		Code:          code,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.ttl),
	}
	if err := m.store.ReplaceChallenge(ctx, challenge); err != nil {
		span.RecordError(err)
		return models.OtpChallenge{}, fmt.Errorf("store otp: %w", err)
	}

	selector := recipient.Selector
	if selector == "" {
		selector = SelectPrimary
	}
	metrics.OTPIssued.WithLabelValues(string(selector)).Inc()
	log.Printf("otp issued ticket=%s challenge=%s recipient=%s", ticket.Code(), challenge.ChallengeID, models.MaskPhone(contact.Phone))

	if m.notifier != nil {
		m.notifier.Notify(notify.Event{
			Key:       notify.EventDeliveryOTP,
			Ticket:    ticket,
			Recipient: &contact,
			Values:    notify.OTPValues(code, contact, m.ttl),
		})
	}
	return challenge, nil
}

// Verify checks code against the live challenge of ref and consumes it on a
// match.
func (m *Manager) Verify(ctx context.Context, ref models.TicketRef, code string) error {
	_, err := m.Confirm(ctx, ref, code)
	return err
}

// Confirm is Verify returning the consumed challenge. Expiry is checked
// before the code. A mismatch counts as an attempt and the challenge is
// burned once the attempt limit is reached. A code from a superseded
// challenge is answered with ErrNotFound and costs the live challenge no
// attempt.
func (m *Manager) Confirm(ctx context.Context, ref models.TicketRef, code string) (models.OtpChallenge, error) {
	ctx, span := tracer.Start(ctx, "otp.Verify")
	defer span.End()

	submitted := strings.TrimSpace(code)
	now := m.now().UTC()
	superseded, err := m.store.SupersededCode(ctx, ref, submitted)
	if err != nil {
		span.RecordError(err)
		metrics.OTPVerifications.WithLabelValues("error").Inc()
		return models.OtpChallenge{}, err
	}
	var confirmed models.OtpChallenge
	err = m.store.UpdateLiveChallenge(ctx, ref, func(c *models.OtpChallenge) error {
		if c.Expired(now) {
			return ErrExpired
		}
		if c.Code != submitted {
			if superseded {
				return ErrNotFound
			}
			c.Attempts++
			if c.Attempts >= m.maxAttempts {
				c.Consumed = true
				c.ConsumedAt = &now
			}
			return ErrInvalidOTP
		}
		c.Consumed = true
		c.ConsumedAt = &now
		confirmed = *c
		return nil
	})
	if errors.Is(err, store.ErrChallengeNotFound) {
		err = ErrNotFound
	}

	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case errors.Is(err, ErrExpired):
		result = "expired"
	case errors.Is(err, ErrInvalidOTP):
		result = "invalid"
	default:
		result = "error"
	}
	metrics.OTPVerifications.WithLabelValues(result).Inc()
	span.SetAttributes(attribute.String("otp.result", result))
	if err != nil {
		span.RecordError(err)
		return models.OtpChallenge{}, err
	}
	return confirmed, nil
}

// Purge deletes challenges that expired or were consumed before now minus
// retention.
func (m *Manager) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	before := m.now().UTC().Add(-retention)
	purged, err := m.store.PurgeChallenges(ctx, before)
	if err != nil {
		return 0, err
	}
	metrics.OTPPurged.Add(float64(purged))
	return purged, nil
}

func generateCode(r io.Reader) (string, error) {
	limit := big.NewInt(1_000_000)
	n, err := rand.Int(r, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}
