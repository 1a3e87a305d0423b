package notify

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"repaircrm/ticket-service/internal/models"
	"repaircrm/ticket-service/internal/status"
)

const (
	EventReceiptCreated   = "receipt_created"
	EventStatusChanged    = "status_changed"
	EventReadyForDelivery = "ready_for_delivery"
	EventDeliveryOTP      = "delivery_otp"
	EventDelivered        = "delivered"
	EventPaymentReminder  = "payment_reminder"
	EventServiceAssigned  = "service_assigned"
	EventServiceCompleted = "service_completed"
)

var (
	ErrConfiguration = errors.New("notification configuration error")
	ErrNoRecipient   = errors.New("notification has no recipient phone")
)

// ConfigError reports a template mapping problem. It is logged by the
// dispatcher and returned to operators by the settings editor; end users
// never see it.
type ConfigError struct {
	Event  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Event == "" {
		return "notification config: " + e.Reason
	}
	return fmt.Sprintf("notification config %s: %s", e.Event, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrConfiguration
}

// Event asks for one message about a ticket. Key is tried first, then each
// fallback in order; the first key with a mapping is sent. Recipient
// overrides the ticket's primary contact and Values override or extend the
// parameters derived from the ticket.
type Event struct {
	Key       string
	Fallbacks []string
	Ticket    models.Ticket
	Recipient *models.Contact
	Values    map[string]string
}

func (e Event) keys() []string {
	keys := make([]string, 0, 1+len(e.Fallbacks))
	if e.Key != "" {
		keys = append(keys, e.Key)
	}
	return append(keys, e.Fallbacks...)
}

// Parameter tokens a template may reference.
const (
	TokenCustomerName    = "customerName"
	TokenReceiptNumber   = "receiptNumber"
	TokenTrackingCode    = "trackingCode"
	TokenTrackingURL     = "trackingUrl"
	TokenStatus          = "status"
	TokenPreviousStatus  = "previousStatus"
	TokenProgress        = "progress"
	TokenProduct         = "product"
	TokenModel           = "model"
	TokenAmount          = "amount"
	TokenCompanyName     = "companyName"
	TokenDeliveryNote    = "deliveryNote"
	TokenDeliveredAt     = "deliveredAt"
	TokenDeliveredTo     = "deliveredTo"
	TokenAddress         = "address"
	TokenIssue           = "issue"
	TokenEngineerName    = "engineerName"
	TokenRecipientName   = "recipientName"
	TokenOTP             = "otp"
	TokenOTPValidMinutes = "otpValidMinutes"
)

var knownTokens = map[string]struct{}{
	TokenCustomerName:    {},
	TokenReceiptNumber:   {},
	TokenTrackingCode:    {},
	TokenTrackingURL:     {},
	TokenStatus:          {},
	TokenPreviousStatus:  {},
	TokenProgress:        {},
	TokenProduct:         {},
	TokenModel:           {},
	TokenAmount:          {},
	TokenCompanyName:     {},
	TokenDeliveryNote:    {},
	TokenDeliveredAt:     {},
	TokenDeliveredTo:     {},
	TokenAddress:         {},
	TokenIssue:           {},
	TokenEngineerName:    {},
	TokenRecipientName:   {},
	TokenOTP:             {},
	TokenOTPValidMinutes: {},
}

func KnownToken(token string) bool {
	_, ok := knownTokens[token]
	return ok
}

// TicketValues derives the token values available for a ticket. Times are
// rendered in loc, or UTC when loc is nil.
func TicketValues(ticket models.Ticket, trackingURL string, loc *time.Location) map[string]string {
	values := map[string]string{}
	if ticket == nil {
		return values
	}
	code := ticket.Code()
	primary := ticket.Primary()
	values[TokenCustomerName] = primary.Name
	values[TokenRecipientName] = primary.Name
	values[TokenReceiptNumber] = code
	values[TokenTrackingCode] = code
	values[TokenTrackingURL] = trackingLink(trackingURL, code)
	values[TokenStatus] = string(ticket.CurrentStatus())
	values[TokenProgress] = strconv.Itoa(status.Describe(ticket.Ref().Kind, ticket.CurrentStatus()).Progress) + "%"

	switch t := ticket.(type) {
	case *models.ReceiptTicket:
		values[TokenProduct] = t.Product
		values[TokenModel] = t.Model
		values[TokenAmount] = strconv.FormatFloat(t.EstimatedAmount, 'f', 2, 64)
		values[TokenCompanyName] = t.CompanyName
		values[TokenDeliveryNote] = t.DeliveryNote
		values[TokenDeliveredTo] = t.DeliveredTo
		if t.DeliveredAt != nil {
			if loc == nil {
				loc = time.UTC
			}
			values[TokenDeliveredAt] = t.DeliveredAt.In(loc).Format("02 Jan 2006 15:04")
		}
	case *models.ServiceTicket:
		values[TokenProduct] = t.Product
		values[TokenAddress] = t.Address
		values[TokenIssue] = t.Issue
		values[TokenEngineerName] = t.EngineerName
	}
	return values
}

func trackingLink(base, code string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return code
	}
	return strings.TrimRight(base, "/") + "/" + code
}

// OTPValues are the extra values carried by a delivery OTP message.
func OTPValues(code string, recipient models.Contact, validFor time.Duration) map[string]string {
	return map[string]string{
		TokenOTP:             code,
		TokenRecipientName:   recipient.Name,
		TokenOTPValidMinutes: strconv.Itoa(int(validFor / time.Minute)),
	}
}
