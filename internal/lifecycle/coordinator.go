// Package lifecycle applies status changes to tickets. It is the only place
// that may mark a receipt Delivered, and only after a delivery OTP has been
// confirmed.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"repaircrm/ticket-service/internal/metrics"
	"repaircrm/ticket-service/internal/models"
	"repaircrm/ticket-service/internal/notify"
	"repaircrm/ticket-service/internal/otp"
	"repaircrm/ticket-service/internal/status"
	"repaircrm/ticket-service/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrOTPRequired       = errors.New("otp is required to mark a ticket delivered")
	ErrOverrideDelivered = errors.New("delivered cannot be set by override")
	ErrUnknownStatus     = errors.New("unknown status")
	ErrNotDeliverable    = errors.New("ticket is not awaiting delivery")
)

var tracer = otel.Tracer("repaircrm/lifecycle")

// Challenges is the part of the OTP manager the coordinator relies on.
type Challenges interface {
	Issue(ctx context.Context, ticket models.Ticket, recipient otp.Recipient) (models.OtpChallenge, error)
	Confirm(ctx context.Context, ref models.TicketRef, code string) (models.OtpChallenge, error)
}

type Notifier interface {
	Notify(event notify.Event)
}

// Broadcaster pushes committed changes to live dashboards.
type Broadcaster interface {
	StatusChanged(ticket models.Ticket, from models.Status, override bool)
}

type Options struct {
	Broadcaster Broadcaster
	Now         func() time.Time
}

type Coordinator struct {
	tickets     store.TicketStore
	challenges  Challenges
	notifier    Notifier
	broadcaster Broadcaster
	now         func() time.Time
}

func NewCoordinator(tickets store.TicketStore, challenges Challenges, notifier Notifier, opts Options) *Coordinator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		tickets:     tickets,
		challenges:  challenges,
		notifier:    notifier,
		broadcaster: opts.Broadcaster,
		now:         now,
	}
}

type ChangeRequest struct {
	Ref          models.TicketRef
	Status       models.Status
	OTPCode      string
	DeliveryNote string
	Actor        string
	Note         string
}

type OverrideRequest struct {
	Ref    models.TicketRef
	Status models.Status
	Reason string
	Actor  string
}

// RequestStatusChange validates and commits a status change. The caller
// learns only whether the status write succeeded: notification and
// dashboard failures are logged and never returned.
func (c *Coordinator) RequestStatusChange(ctx context.Context, req ChangeRequest) (models.Ticket, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.RequestStatusChange")
	defer span.End()
	span.SetAttributes(
		attribute.String("ticket.kind", string(req.Ref.Kind)),
		attribute.Int64("ticket.id", req.Ref.ID),
		attribute.String("ticket.status", string(req.Status)),
	)

	ticket, err := c.tickets.GetTicket(ctx, req.Ref)
	if err != nil {
		return nil, c.fail(span, req.Ref.Kind, req.Status, err)
	}

	if req.Ref.Kind == models.KindReceipt && req.Status == models.StatusDelivered {
		updated, err := c.deliver(ctx, ticket, req)
		if err != nil {
			return nil, c.fail(span, req.Ref.Kind, req.Status, err)
		}
		return updated, nil
	}

	if _, err := status.Transition(ticket, req.Status); err != nil {
		return nil, c.fail(span, req.Ref.Kind, req.Status, err)
	}
	from := ticket.CurrentStatus()
	updated, err := c.tickets.UpdateStatus(ctx, store.StatusUpdate{
		Ref:        req.Ref,
		From:       from,
		To:         req.Status,
		Actor:      req.Actor,
		Note:       req.Note,
		OccurredAt: c.now().UTC(),
	})
	if err != nil {
		return nil, c.fail(span, req.Ref.Kind, req.Status, err)
	}

	metrics.Transitions.WithLabelValues(string(req.Ref.Kind), status.Slug(req.Status), "ok").Inc()
	log.Printf("ticket status changed code=%s from=%q to=%q actor=%s", updated.Code(), from, req.Status, req.Actor)
	c.afterCommit(updated, from, false)
	return updated, nil
}

func (c *Coordinator) deliver(ctx context.Context, ticket models.Ticket, req ChangeRequest) (models.Ticket, error) {
	if _, err := status.Transition(ticket, models.StatusDelivered); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.OTPCode) == "" {
		return nil, ErrOTPRequired
	}
	challenge, err := c.challenges.Confirm(ctx, req.Ref, req.OTPCode)
	if err != nil {
		return nil, err
	}

	from := ticket.CurrentStatus()
	updated, err := c.tickets.UpdateStatus(ctx, store.StatusUpdate{
		Ref:          req.Ref,
		From:         from,
		To:           models.StatusDelivered,
		Actor:        req.Actor,
		Note:         req.Note,
		DeliveredTo:  challenge.RecipientName,
		DeliveryNote: req.DeliveryNote,
		OccurredAt:   c.now().UTC(),
	})
	if err != nil {
		log.Printf("delivery commit failed after otp confirmation code=%s challenge=%s err=%v", ticket.Code(), challenge.ChallengeID, err)
		return nil, err
	}

	metrics.Transitions.WithLabelValues(string(req.Ref.Kind), status.Slug(models.StatusDelivered), "ok").Inc()
	log.Printf("ticket delivered code=%s to=%q actor=%s", updated.Code(), challenge.RecipientName, req.Actor)
	c.afterCommit(updated, from, false)
	return updated, nil
}

// AdminOverrideStatus sets any status known to the ticket's kind without
// consulting the transition table. Delivered is excluded so the OTP gate has
// no bypass. Overrides are recorded in the status history and pushed to
// dashboards but do not notify customers.
func (c *Coordinator) AdminOverrideStatus(ctx context.Context, req OverrideRequest) (models.Ticket, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.AdminOverrideStatus")
	defer span.End()

	if req.Status == models.StatusDelivered {
		return nil, c.fail(span, req.Ref.Kind, req.Status, ErrOverrideDelivered)
	}
	if !status.Known(req.Ref.Kind, req.Status) {
		return nil, c.fail(span, req.Ref.Kind, req.Status, fmt.Errorf("%w: %q for %s", ErrUnknownStatus, req.Status, req.Ref.Kind))
	}

	ticket, err := c.tickets.GetTicket(ctx, req.Ref)
	if err != nil {
		return nil, c.fail(span, req.Ref.Kind, req.Status, err)
	}
	from := ticket.CurrentStatus()
	if from == req.Status {
		return ticket, nil
	}

	updated, err := c.tickets.UpdateStatus(ctx, store.StatusUpdate{
		Ref:        req.Ref,
		From:       from,
		To:         req.Status,
		Actor:      req.Actor,
		Note:       req.Reason,
		Override:   true,
		OccurredAt: c.now().UTC(),
	})
	if err != nil {
		return nil, c.fail(span, req.Ref.Kind, req.Status, err)
	}

	metrics.Transitions.WithLabelValues(string(req.Ref.Kind), status.Slug(req.Status), "override").Inc()
	log.Printf("ticket status override code=%s from=%q to=%q actor=%s reason=%q", updated.Code(), from, req.Status, req.Actor, req.Reason)
	if c.broadcaster != nil {
		c.broadcaster.StatusChanged(updated, from, true)
	}
	return updated, nil
}

// IssueDeliveryOTP sends a delivery code for a receipt that is ready to be
// handed over.
func (c *Coordinator) IssueDeliveryOTP(ctx context.Context, ref models.TicketRef, recipient otp.Recipient) (models.OtpChallenge, models.Ticket, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.IssueDeliveryOTP")
	defer span.End()

	ticket, err := c.tickets.GetTicket(ctx, ref)
	if err != nil {
		span.RecordError(err)
		return models.OtpChallenge{}, nil, err
	}
	if ref.Kind != models.KindReceipt || !status.ValidTransition(ref.Kind, ticket.CurrentStatus(), models.StatusDelivered) {
		err := fmt.Errorf("%w: %s is %q", ErrNotDeliverable, ticket.Code(), ticket.CurrentStatus())
		span.RecordError(err)
		return models.OtpChallenge{}, nil, err
	}
	challenge, err := c.challenges.Issue(ctx, ticket, recipient)
	if err != nil {
		span.RecordError(err)
		return models.OtpChallenge{}, nil, err
	}
	return challenge, ticket, nil
}

// Notify sends an operator-requested event, such as a payment reminder, for
// a ticket.
func (c *Coordinator) Notify(ctx context.Context, ref models.TicketRef, event string) (models.Ticket, error) {
	ticket, err := c.tickets.GetTicket(ctx, ref)
	if err != nil {
		return nil, err
	}
	if c.notifier != nil {
		c.notifier.Notify(notify.Event{Key: event, Ticket: ticket})
	}
	return ticket, nil
}

func (c *Coordinator) afterCommit(ticket models.Ticket, from models.Status, override bool) {
	if c.broadcaster != nil {
		c.broadcaster.StatusChanged(ticket, from, override)
	}
	if c.notifier == nil {
		return
	}
	key, fallbacks := EventFor(ticket.Ref().Kind, ticket.CurrentStatus())
	c.notifier.Notify(notify.Event{
		Key:       key,
		Fallbacks: fallbacks,
		Ticket:    ticket,
		Values:    map[string]string{notify.TokenPreviousStatus: string(from)},
	})
}

// EventFor picks the notification event for a status reached through the
// machine. Specific events fall back to the generic status_changed mapping.
func EventFor(kind models.Kind, to models.Status) (string, []string) {
	generic := []string{notify.EventStatusChanged}
	switch {
	case kind == models.KindReceipt && to == models.StatusReadyToDeliver:
		return notify.EventReadyForDelivery, generic
	case kind == models.KindReceipt && to == models.StatusDelivered:
		return notify.EventDelivered, nil
	case kind == models.KindService && to == models.StatusAssigned:
		return notify.EventServiceAssigned, generic
	case kind == models.KindService && to == models.StatusCompleted:
		return notify.EventServiceCompleted, generic
	default:
		return notify.EventStatusChanged, nil
	}
}

func (c *Coordinator) fail(span trace.Span, kind models.Kind, to models.Status, err error) error {
	result := "error"
	switch {
	case errors.Is(err, status.ErrInvalidTransition):
		result = "invalid"
	case errors.Is(err, ErrOTPRequired), errors.Is(err, otp.ErrNotFound), errors.Is(err, otp.ErrExpired), errors.Is(err, otp.ErrInvalidOTP):
		result = "otp_rejected"
	case errors.Is(err, store.ErrStatusConflict):
		result = "conflict"
	case errors.Is(err, store.ErrTicketNotFound):
		result = "not_found"
	case errors.Is(err, ErrOverrideDelivered), errors.Is(err, ErrUnknownStatus):
		result = "rejected"
	}
	metrics.Transitions.WithLabelValues(string(kind), status.Slug(to), result).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
