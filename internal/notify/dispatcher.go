package notify

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"repaircrm/ticket-service/internal/metrics"
	"repaircrm/ticket-service/internal/models"
	"repaircrm/ticket-service/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

var tracer = otel.Tracer("repaircrm/notify")

// Result describes what happened to one event. Channel is the channel that
// delivered the message, or the last one tried when every channel failed.
type Result struct {
	Event     string
	Channel   string
	Recipient string
	Status    string
	Attempted []string
	Err       error
}

type Options struct {
	QueueSize   int
	SendTimeout time.Duration
	Now         func() time.Time
}

// Dispatcher turns events into rendered messages and hands them to the
// provider behind each configured channel, falling back to the next channel
// when one fails. It never retries a channel.
type Dispatcher struct {
	templates     TemplateSource
	notifications store.NotificationLog
	timeout       time.Duration
	now           func() time.Time

	mu        sync.RWMutex
	settings  Settings
	providers map[string]Provider

	queue   chan Event
	running atomic.Bool
	wg      sync.WaitGroup
}

func NewDispatcher(templates TemplateSource, notifications store.NotificationLog, settings Settings, opts Options) *Dispatcher {
	size := opts.QueueSize
	if size <= 0 {
		size = 256
	}
	timeout := opts.SendTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	d := &Dispatcher{
		templates:     templates,
		notifications: notifications,
		timeout:       timeout,
		now:           now,
		queue:         make(chan Event, size),
	}
	d.Reload(settings)
	return d
}

// Reload swaps gateway settings. Providers built from the previous settings
// are closed once replaced.
func (d *Dispatcher) Reload(settings Settings) {
	providers := make(map[string]Provider, len(settings.Channels))
	for channel, cfg := range settings.Channels {
		providers[channel] = newProvider(channel, cfg)
	}

	d.mu.Lock()
	old := d.providers
	d.settings = settings
	d.providers = providers
	d.mu.Unlock()

	for channel, provider := range old {
		if c, ok := provider.(closer); ok {
			if err := c.Close(); err != nil {
				log.Printf("notif provider close channel=%s err=%v", channel, err)
			}
		}
	}
}

// Channels without settings fall back to the log provider.
func (d *Dispatcher) provider(channel string) Provider {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if p, ok := d.providers[channel]; ok {
		return p
	}
	return logProvider{channel: channel}
}

func (d *Dispatcher) display() (string, *time.Location) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.settings.TrackingURL, d.settings.Location
}

// Dispatch resolves, renders and sends one event synchronously. Failures are
// reported in the Result and logged; Dispatch itself never panics on a bad
// mapping and never returns a Go error.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) Result {
	ctx, span := tracer.Start(ctx, "notify.Dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("notify.event", event.Key))

	result := d.dispatch(ctx, event)
	span.SetAttributes(attribute.String("notify.status", result.Status))
	if result.Err != nil {
		span.RecordError(result.Err)
		if result.Status == StatusFailed {
			span.SetStatus(codes.Error, result.Err.Error())
		}
	}
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, event Event) Result {
	result := Result{Event: event.Key, Status: StatusSkipped}
	code := ""
	if event.Ticket != nil {
		code = event.Ticket.Code()
	}

	cfg, err := d.templates.Templates(ctx)
	if err != nil {
		log.Printf("notif templates unavailable event=%s ticket=%s err=%v", event.Key, code, err)
		result.Err = err
		metrics.Notifications.WithLabelValues(event.Key, "", StatusSkipped).Inc()
		return result
	}

	key, tmpl, ok := cfg.Resolve(event.keys()...)
	if !ok {
		result.Err = &ConfigError{Event: event.Key, Reason: "no template mapping"}
		log.Printf("notif skip event=%s ticket=%s: %v", event.Key, code, result.Err)
		metrics.Notifications.WithLabelValues(event.Key, "", StatusSkipped).Inc()
		return result
	}
	result.Event = key

	recipient := models.Contact{}
	if event.Ticket != nil {
		recipient = event.Ticket.Primary()
	}
	if event.Recipient != nil {
		recipient = *event.Recipient
	}
	if recipient.Phone == "" {
		result.Err = ErrNoRecipient
		log.Printf("notif skip event=%s ticket=%s: %v", key, code, ErrNoRecipient)
		metrics.Notifications.WithLabelValues(key, "", StatusSkipped).Inc()
		return result
	}
	result.Recipient = recipient.Phone

	trackingURL, loc := d.display()
	values := TicketValues(event.Ticket, trackingURL, loc)
	if event.Recipient != nil {
		values[TokenRecipientName] = recipient.Name
	}
	for token, value := range event.Values {
		values[token] = value
	}

	params, text, err := tmpl.Render(key, values)
	if err != nil {
		result.Err = err
		log.Printf("notif render failed event=%s ticket=%s err=%v", key, code, err)
		metrics.Notifications.WithLabelValues(key, "", StatusSkipped).Inc()
		return result
	}

	var errs []error
	for _, channel := range tmpl.Channels {
		result.Attempted = append(result.Attempted, channel)
		result.Channel = channel
		msg := Message{
			Event:         key,
			TicketCode:    code,
			Channel:       channel,
			Recipient:     recipient.Phone,
			RecipientName: recipient.Name,
			Template:      tmpl.Template,
			Language:      tmpl.Language,
			Params:        params,
			Text:          text,
		}
		if err := d.send(ctx, msg); err != nil {
			log.Printf("notif send failed event=%s ticket=%s channel=%s err=%v", key, code, channel, err)
			metrics.Notifications.WithLabelValues(key, channel, StatusFailed).Inc()
			errs = append(errs, err)
			continue
		}
		metrics.Notifications.WithLabelValues(key, channel, StatusSent).Inc()
		result.Status = StatusSent
		result.Err = nil
		return result
	}

	result.Status = StatusFailed
	result.Err = errors.Join(errs...)
	return result
}

func (d *Dispatcher) send(ctx context.Context, msg Message) error {
	provider := d.provider(msg.Channel)

	notification := store.Notification{
		NotificationID: uuid.NewString(),
		Event:          msg.Event,
		TicketCode:     msg.TicketCode,
		Channel:        msg.Channel,
		Recipient:      msg.Recipient,
		Status:         "pending",
		Attempts:       1,
		Message:        msg.Text,
		CreatedAt:      d.now().UTC(),
	}
	if msg.Event == EventDeliveryOTP {
		// the log outlives the challenge; keep codes out of it
		notification.Message = ""
	}
	if d.notifications != nil {
		if err := d.notifications.InsertNotification(ctx, notification); err != nil {
			log.Printf("notif log insert failed id=%s err=%v", notification.NotificationID, err)
		}
	}

	sendErr := provider.Send(ctx, msg)
	if errors.Is(sendErr, ErrProviderClosed) {
		// replaced by Reload after we picked it up
		sendErr = d.provider(msg.Channel).Send(ctx, msg)
	}

	if d.notifications != nil {
		var err error
		if sendErr != nil {
			err = d.notifications.MarkNotificationFailed(ctx, notification.NotificationID, sendErr.Error())
		} else {
			err = d.notifications.MarkNotificationSent(ctx, notification.NotificationID)
		}
		if err != nil {
			log.Printf("notif log update failed id=%s err=%v", notification.NotificationID, err)
		}
	}
	return sendErr
}

// Notify enqueues an event for the background workers. When no worker is
// running or the queue is full the event is dispatched on its own goroutine,
// so callers never block on delivery.
func (d *Dispatcher) Notify(event Event) {
	if d.running.Load() {
		select {
		case d.queue <- event:
			metrics.NotificationQueueDepth.Set(float64(len(d.queue)))
			return
		default:
			log.Printf("notif queue full event=%s, dispatching inline", event.Key)
		}
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.dispatchDetached(event)
	}()
}

func (d *Dispatcher) dispatchDetached(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	d.Dispatch(ctx, event)
}

// Start launches workers that drain the queue until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	d.running.Store(true)
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.run(ctx)
		}()
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.running.Store(false)
			return
		case event := <-d.queue:
			metrics.NotificationQueueDepth.Set(float64(len(d.queue)))
			d.dispatchDetached(event)
		}
	}
}

// Wait blocks until every worker and detached dispatch has finished.
// Events still queued when the workers stopped are dispatched first.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
	for {
		select {
		case event := <-d.queue:
			d.dispatchDetached(event)
		default:
			metrics.NotificationQueueDepth.Set(0)
			return
		}
	}
}

// Close releases provider connections such as the broker channel. Call it
// after Wait.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	old := d.providers
	d.providers = map[string]Provider{}
	d.mu.Unlock()

	for channel, provider := range old {
		if c, ok := provider.(closer); ok {
			if err := c.Close(); err != nil {
				log.Printf("notif provider close channel=%s err=%v", channel, err)
			}
		}
	}
}
