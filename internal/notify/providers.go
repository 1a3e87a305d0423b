package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

const (
	ChannelWhatsApp = "whatsapp"
	ChannelSMS      = "sms"
)

var ErrProviderRejected = errors.New("provider rejected request")

// ErrProviderClosed is returned by a provider that a reload has retired.
var ErrProviderClosed = errors.New("provider closed")

type Provider interface {
	Send(ctx context.Context, msg Message) error
}

type closer interface {
	Close() error
}

// ChannelSettings selects and configures the provider behind one channel.
// Provider is one of log, noop, fail, webhook, whatsapp or amqp.
type ChannelSettings struct {
	Provider      string
	URL           string
	Token         string
	PhoneNumberID string
	Exchange      string
}

// Settings is the gateway configuration injected into the dispatcher.
type Settings struct {
	TrackingURL string
	// Location is the zone customer-facing times are shown in. UTC when nil.
	Location    *time.Location
	Channels    map[string]ChannelSettings
}

func newProvider(channel string, cfg ChannelSettings) Provider {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "stub", "log":
		return logProvider{channel: channel}
	case "noop":
		return noopProvider{}
	case "fail":
		return failProvider{}
	case "webhook":
		if cfg.URL == "" {
			return logProvider{channel: channel}
		}
		return webhookProvider{channel: channel, url: cfg.URL, token: cfg.Token, client: &http.Client{Timeout: 5 * time.Second}}
	case "whatsapp":
		if cfg.URL == "" || cfg.PhoneNumberID == "" {
			log.Printf("notif whatsapp provider missing url or phone number id, falling back to log")
			return logProvider{channel: channel}
		}
		return &whatsAppProvider{
			baseURL:       strings.TrimRight(cfg.URL, "/"),
			phoneNumberID: cfg.PhoneNumberID,
			token:         cfg.Token,
			client:        &http.Client{Timeout: 10 * time.Second},
		}
	case "amqp":
		if cfg.URL == "" {
			return logProvider{channel: channel}
		}
		exchange := cfg.Exchange
		if exchange == "" {
			exchange = "repaircrm.notifications"
		}
		return &amqpProvider{url: cfg.URL, exchange: exchange}
	default:
		if strings.HasPrefix(cfg.Provider, "http://") || strings.HasPrefix(cfg.Provider, "https://") {
			return webhookProvider{channel: channel, url: cfg.Provider, client: &http.Client{Timeout: 5 * time.Second}}
		}
		return logProvider{channel: channel}
	}
}

type logProvider struct {
	channel string
}

func (p logProvider) Send(ctx context.Context, msg Message) error {
	body := msg.Text
	if body == "" {
		body = fmt.Sprintf("%s(%s)", msg.Template, strings.Join(msg.Params, ", "))
	}
	log.Printf("send %s to %s event=%s ticket=%s: %s", p.channel, msg.Recipient, msg.Event, msg.TicketCode, body)
	return nil
}

type noopProvider struct{}

func (noopProvider) Send(ctx context.Context, msg Message) error {
	return nil
}

type failProvider struct{}

func (failProvider) Send(ctx context.Context, msg Message) error {
	return errors.New("provider failure")
}

type webhookProvider struct {
	channel string
	url     string
	token   string
	client  *http.Client
}

func (p webhookProvider) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrProviderRejected, resp.StatusCode)
	}
	return nil
}

// whatsAppProvider sends approved templates through the WhatsApp Cloud API.
type whatsAppProvider struct {
	baseURL       string
	phoneNumberID string
	token         string
	client        *http.Client
}

type waTextParam struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type waComponent struct {
	Type       string        `json:"type"`
	Parameters []waTextParam `json:"parameters"`
}

type waLanguage struct {
	Code string `json:"code"`
}

type waTemplate struct {
	Name       string        `json:"name"`
	Language   waLanguage    `json:"language"`
	Components []waComponent `json:"components,omitempty"`
}

type waRequest struct {
	MessagingProduct string     `json:"messaging_product"`
	To               string     `json:"to"`
	Type             string     `json:"type"`
	Template         waTemplate `json:"template"`
}

func (p *whatsAppProvider) Send(ctx context.Context, msg Message) error {
	payload := waRequest{
		MessagingProduct: "whatsapp",
		To:               strings.TrimPrefix(msg.Recipient, "+"),
		Type:             "template",
		Template: waTemplate{
			Name:     msg.Template,
			Language: waLanguage{Code: msg.Language},
		},
	}
	if len(msg.Params) > 0 {
		params := make([]waTextParam, 0, len(msg.Params))
		for _, value := range msg.Params {
			params = append(params, waTextParam{Type: "text", Text: value})
		}
		payload.Template.Components = []waComponent{{Type: "body", Parameters: params}}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := p.baseURL + "/" + p.phoneNumberID + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.token)
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: whatsapp status %d", ErrProviderRejected, resp.StatusCode)
	}
	return nil
}

// amqpProvider hands rendered messages to an external sender through a
// RabbitMQ topic exchange. The connection is opened on first use and
// reopened after the broker drops it, until Close.
type amqpProvider struct {
	url      string
	exchange string

	mu      sync.Mutex
	closed  bool
	conn    *amqp.Connection
	channel *amqp.Channel
}

func (p *amqpProvider) connect() (*amqp.Channel, error) {
	if p.closed {
		return nil, ErrProviderClosed
	}
	if p.conn != nil && !p.conn.IsClosed() && p.channel != nil {
		return p.channel, nil
	}
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	err = channel.ExchangeDeclare(
		p.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("amqp exchange declare: %w", err)
	}
	p.conn = conn
	p.channel = channel
	return channel, nil
}

func (p *amqpProvider) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	channel, err := p.connect()
	if err != nil {
		return err
	}
	routingKey := fmt.Sprintf("notify.%s.%s", msg.Channel, msg.Event)
	err = channel.Publish(
		p.exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now().UTC(),
			Headers: amqp.Table{
				"event":       msg.Event,
				"ticket_code": msg.TicketCode,
				"channel":     msg.Channel,
			},
		},
	)
	if err != nil {
		p.resetLocked()
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

func (p *amqpProvider) resetLocked() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.channel = nil
	p.conn = nil
}

func (p *amqpProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.resetLocked()
	return nil
}
