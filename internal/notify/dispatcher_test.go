package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"repaircrm/ticket-service/internal/models"
	"repaircrm/ticket-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTemplates struct {
	cfg TemplateConfig
	err error
}

func (s staticTemplates) Templates(ctx context.Context) (TemplateConfig, error) {
	return s.cfg, s.err
}

type recordingProvider struct {
	mu   sync.Mutex
	err  error
	sent []Message
}

func (p *recordingProvider) Send(ctx context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, msg)
	return nil
}

func (p *recordingProvider) messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.sent...)
}

type fakeNotificationLog struct {
	mu       sync.Mutex
	inserted []store.Notification
	sent     []string
	failed   map[string]string
}

func (f *fakeNotificationLog) InsertNotification(ctx context.Context, n store.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, n)
	return nil
}

func (f *fakeNotificationLog) MarkNotificationSent(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeNotificationLog) MarkNotificationFailed(ctx context.Context, id, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed == nil {
		f.failed = map[string]string{}
	}
	f.failed[id] = lastError
	return nil
}

func testReceipt() *models.ReceiptTicket {
	return &models.ReceiptTicket{
		ID:              1,
		TrackingCode:    "TD001",
		CustomerName:    "Asha",
		CustomerPhone:   "9800000001",
		Product:         "Laptop",
		EstimatedAmount: 1500,
		Status:          models.StatusReadyToDeliver,
	}
}

func newTestDispatcher(cfg TemplateConfig, notifications store.NotificationLog) (*Dispatcher, *recordingProvider, *recordingProvider) {
	d := NewDispatcher(staticTemplates{cfg: cfg}, notifications, Settings{TrackingURL: "https://crm.example.com/t"}, Options{})
	wa := &recordingProvider{}
	sms := &recordingProvider{}
	d.mu.Lock()
	d.providers[ChannelWhatsApp] = wa
	d.providers[ChannelSMS] = sms
	d.mu.Unlock()
	return d, wa, sms
}

func TestDispatchSendsOnFirstChannel(t *testing.T) {
	logs := &fakeNotificationLog{}
	d, wa, sms := newTestDispatcher(DefaultTemplates(), logs)

	result := d.Dispatch(context.Background(), Event{Key: EventReadyForDelivery, Ticket: testReceipt()})

	require.NoError(t, result.Err)
	assert.Equal(t, StatusSent, result.Status)
	assert.Equal(t, ChannelWhatsApp, result.Channel)
	assert.Equal(t, "9800000001", result.Recipient)
	require.Len(t, wa.messages(), 1)
	assert.Empty(t, sms.messages())

	msg := wa.messages()[0]
	assert.Equal(t, "ready_for_delivery", msg.Template)
	assert.Equal(t, []string{"Asha", "Laptop", "TD001", "1500.00"}, msg.Params)
	assert.Equal(t, "Hi Asha, your Laptop (TD001) is ready for pickup. Amount due: 1500.00", msg.Text)

	require.Len(t, logs.inserted, 1)
	assert.Equal(t, []string{logs.inserted[0].NotificationID}, logs.sent)
}

func TestDispatchFallsBackToNextChannel(t *testing.T) {
	logs := &fakeNotificationLog{}
	d, wa, sms := newTestDispatcher(DefaultTemplates(), logs)
	wa.err = errors.New("whatsapp down")

	result := d.Dispatch(context.Background(), Event{Key: EventDelivered, Ticket: testReceipt()})

	assert.Equal(t, StatusSent, result.Status)
	assert.Equal(t, ChannelSMS, result.Channel)
	assert.Equal(t, []string{ChannelWhatsApp, ChannelSMS}, result.Attempted)
	assert.Len(t, sms.messages(), 1)
	require.Len(t, logs.inserted, 2)
	assert.Equal(t, "whatsapp down", logs.failed[logs.inserted[0].NotificationID])
}

func TestDispatchReportsFailureWhenEveryChannelFails(t *testing.T) {
	d, wa, sms := newTestDispatcher(DefaultTemplates(), nil)
	wa.err = errors.New("whatsapp down")
	sms.err = errors.New("sms down")

	result := d.Dispatch(context.Background(), Event{Key: EventDelivered, Ticket: testReceipt()})

	assert.Equal(t, StatusFailed, result.Status)
	assert.ErrorContains(t, result.Err, "whatsapp down")
	assert.ErrorContains(t, result.Err, "sms down")
}

func TestDispatchUnknownEventFailsClosed(t *testing.T) {
	d, wa, sms := newTestDispatcher(DefaultTemplates(), nil)

	result := d.Dispatch(context.Background(), Event{Key: "warranty_expiring", Ticket: testReceipt()})

	assert.Equal(t, StatusSkipped, result.Status)
	assert.ErrorIs(t, result.Err, ErrConfiguration)
	assert.Empty(t, wa.messages())
	assert.Empty(t, sms.messages())
}

func TestDispatchUsesFallbackKey(t *testing.T) {
	cfg := DefaultTemplates()
	delete(cfg.Events, EventServiceAssigned)
	d, wa, _ := newTestDispatcher(cfg, nil)

	service := &models.ServiceTicket{ID: 3, TrackingCode: "TE003", CustomerName: "Meera", CustomerPhone: "9800000003", Status: models.StatusAssigned}
	result := d.Dispatch(context.Background(), Event{
		Key:       EventServiceAssigned,
		Fallbacks: []string{EventStatusChanged},
		Ticket:    service,
	})

	assert.Equal(t, StatusSent, result.Status)
	assert.Equal(t, EventStatusChanged, result.Event)
	require.Len(t, wa.messages(), 1)
	assert.Equal(t, "Hi Meera, TE003 is now Assigned. Details: https://crm.example.com/t/TE003", wa.messages()[0].Text)
}

func TestDispatchCustomRecipient(t *testing.T) {
	d, wa, _ := newTestDispatcher(DefaultTemplates(), nil)

	recipient := models.Contact{Name: "Acme Procurement", Phone: "9811111111"}
	result := d.Dispatch(context.Background(), Event{
		Key:       EventDeliveryOTP,
		Ticket:    testReceipt(),
		Recipient: &recipient,
		Values:    map[string]string{TokenOTP: "004211", TokenOTPValidMinutes: "10"},
	})

	require.Equal(t, StatusSent, result.Status)
	msg := wa.messages()[0]
	assert.Equal(t, "9811111111", msg.Recipient)
	assert.Equal(t, []string{"Acme Procurement", "004211", "TD001", "10"}, msg.Params)
}

func TestDispatchOTPTextStaysOutOfLog(t *testing.T) {
	logs := &fakeNotificationLog{}
	d, _, _ := newTestDispatcher(DefaultTemplates(), logs)

	d.Dispatch(context.Background(), Event{
		Key:    EventDeliveryOTP,
		Ticket: testReceipt(),
		Values: map[string]string{TokenOTP: "123456"},
	})

	require.Len(t, logs.inserted, 1)
	assert.Empty(t, logs.inserted[0].Message)
}

func TestDispatchWithoutPhoneIsSkipped(t *testing.T) {
	d, wa, _ := newTestDispatcher(DefaultTemplates(), nil)
	ticket := testReceipt()
	ticket.CustomerPhone = ""

	result := d.Dispatch(context.Background(), Event{Key: EventDelivered, Ticket: ticket})

	assert.Equal(t, StatusSkipped, result.Status)
	assert.ErrorIs(t, result.Err, ErrNoRecipient)
	assert.Empty(t, wa.messages())
}

func TestDispatchTemplateLoadFailureIsSkipped(t *testing.T) {
	d := NewDispatcher(staticTemplates{err: &ConfigError{Reason: "parse: bad yaml"}}, nil, Settings{}, Options{})

	result := d.Dispatch(context.Background(), Event{Key: EventDelivered, Ticket: testReceipt()})

	assert.Equal(t, StatusSkipped, result.Status)
	assert.ErrorIs(t, result.Err, ErrConfiguration)
}

func TestNotifyDeliversThroughWorkers(t *testing.T) {
	d, wa, _ := newTestDispatcher(DefaultTemplates(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx, 2)

	for i := 0; i < 5; i++ {
		d.Notify(Event{Key: EventStatusChanged, Ticket: testReceipt()})
	}
	cancel()
	d.Wait()

	assert.Len(t, wa.messages(), 5)
}

func TestNotifyWithoutWorkersStillDelivers(t *testing.T) {
	d, wa, _ := newTestDispatcher(DefaultTemplates(), nil)

	d.Notify(Event{Key: EventDelivered, Ticket: testReceipt()})
	d.Wait()

	assert.Len(t, wa.messages(), 1)
}

func TestReloadReplacesProviders(t *testing.T) {
	d, _, _ := newTestDispatcher(DefaultTemplates(), nil)

	d.Reload(Settings{Channels: map[string]ChannelSettings{
		ChannelWhatsApp: {Provider: "fail"},
		ChannelSMS:      {Provider: "noop"},
	}})

	result := d.Dispatch(context.Background(), Event{Key: EventDelivered, Ticket: testReceipt()})
	assert.Equal(t, StatusSent, result.Status)
	assert.Equal(t, ChannelSMS, result.Channel)
}

// retiredProvider behaves like a provider closed by Reload between the
// dispatcher picking it up and calling Send.
type retiredProvider struct {
	swap func()
}

func (p retiredProvider) Send(ctx context.Context, msg Message) error {
	p.swap()
	return ErrProviderClosed
}

func TestSendRetriesWithReloadedProvider(t *testing.T) {
	logs := &fakeNotificationLog{}
	d, _, sms := newTestDispatcher(DefaultTemplates(), logs)
	replacement := &recordingProvider{}
	d.mu.Lock()
	d.providers[ChannelWhatsApp] = retiredProvider{swap: func() {
		d.mu.Lock()
		d.providers[ChannelWhatsApp] = replacement
		d.mu.Unlock()
	}}
	d.mu.Unlock()

	result := d.Dispatch(context.Background(), Event{Key: EventDelivered, Ticket: testReceipt()})

	require.NoError(t, result.Err)
	assert.Equal(t, ChannelWhatsApp, result.Channel)
	assert.Len(t, replacement.messages(), 1)
	assert.Empty(t, sms.messages())
	require.Len(t, logs.inserted, 1)
	assert.Equal(t, []string{logs.inserted[0].NotificationID}, logs.sent)
}
