package notify

import (
	"testing"
	"time"

	"repaircrm/ticket-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderKeepsDeclaredOrder(t *testing.T) {
	tmpl := EventTemplate{
		Template: "status_changed",
		Language: "en",
		Params:   []string{TokenStatus, TokenCustomerName, TokenReceiptNumber},
		Channels: []string{ChannelWhatsApp},
		Text:     "{{2}}: {{3}} is {{1}}",
	}
	params, text, err := tmpl.Render(EventStatusChanged, map[string]string{
		TokenCustomerName:  "Asha",
		TokenReceiptNumber: "TD001",
		TokenStatus:        "In Process",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"In Process", "Asha", "TD001"}, params)
	assert.Equal(t, "Asha: TD001 is In Process", text)
}

func TestRenderFillsBlankValues(t *testing.T) {
	tmpl := EventTemplate{Params: []string{TokenCustomerName, TokenCompanyName}}
	params, text, err := tmpl.Render(EventReceiptCreated, map[string]string{TokenCustomerName: "Asha"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Asha", "-"}, params)
	assert.Empty(t, text)
}

func TestRenderUnknownTokenIsConfigError(t *testing.T) {
	tmpl := EventTemplate{Params: []string{"customerNmae"}}
	_, _, err := tmpl.Render(EventReceiptCreated, map[string]string{})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestRenderKeepsLeadingZerosInOTP(t *testing.T) {
	tmpl := DefaultTemplates().Events[EventDeliveryOTP]
	values := OTPValues("000123", models.Contact{Name: "Ravi", Phone: "9800000002"}, 10*time.Minute)
	values[TokenReceiptNumber] = "TD001"
	params, text, err := tmpl.Render(EventDeliveryOTP, values)
	require.NoError(t, err)
	assert.Equal(t, []string{"Ravi", "000123", "TD001", "10"}, params)
	assert.Contains(t, text, "000123")
}

func TestTicketValues(t *testing.T) {
	delivered := time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)
	receipt := &models.ReceiptTicket{
		ID:              1,
		TrackingCode:    "TD001",
		CustomerName:    "Asha",
		CustomerPhone:   "9800000001",
		Product:         "Laptop",
		EstimatedAmount: 1500,
		Status:          models.StatusDelivered,
		DeliveredAt:     &delivered,
	}
	values := TicketValues(receipt, "https://crm.example.com/track/", nil)
	assert.Equal(t, "https://crm.example.com/track/TD001", values[TokenTrackingURL])
	assert.Equal(t, "1500.00", values[TokenAmount])
	assert.Equal(t, "100%", values[TokenProgress])
	assert.Equal(t, "05 Mar 2024 14:30", values[TokenDeliveredAt])

	service := &models.ServiceTicket{ID: 4, TrackingCode: "TE042", Status: models.StatusAssigned, EngineerName: "Imran"}
	values = TicketValues(service, "", nil)
	assert.Equal(t, "TE042", values[TokenTrackingURL])
	assert.Equal(t, "Imran", values[TokenEngineerName])
	assert.Equal(t, "50%", values[TokenProgress])
}

func TestTicketValuesUseDisplayLocation(t *testing.T) {
	delivered := time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)
	receipt := &models.ReceiptTicket{ID: 1, TrackingCode: "TD001", Status: models.StatusDelivered, DeliveredAt: &delivered}

	ist := time.FixedZone("IST", 5*60*60+30*60)
	values := TicketValues(receipt, "", ist)
	assert.Equal(t, "05 Mar 2024 20:00", values[TokenDeliveredAt])
}
