package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"repaircrm/ticket-service/internal/lifecycle"
	"repaircrm/ticket-service/internal/models"
	"repaircrm/ticket-service/internal/notify"
	"repaircrm/ticket-service/internal/otp"
	"repaircrm/ticket-service/internal/status"
	"repaircrm/ticket-service/internal/store"
	"repaircrm/ticket-service/internal/store/memory"
	"repaircrm/ticket-service/internal/tracking"

	"golang.org/x/crypto/bcrypt"
)

type fakeLifecycle struct {
	changeFn   func(ctx context.Context, req lifecycle.ChangeRequest) (models.Ticket, error)
	overrideFn func(ctx context.Context, req lifecycle.OverrideRequest) (models.Ticket, error)
	issueFn    func(ctx context.Context, ref models.TicketRef, recipient otp.Recipient) (models.OtpChallenge, models.Ticket, error)
	notifyFn   func(ctx context.Context, ref models.TicketRef, event string) (models.Ticket, error)
}

func (f fakeLifecycle) RequestStatusChange(ctx context.Context, req lifecycle.ChangeRequest) (models.Ticket, error) {
	if f.changeFn == nil {
		return nil, errors.New("unexpected status change")
	}
	return f.changeFn(ctx, req)
}

func (f fakeLifecycle) AdminOverrideStatus(ctx context.Context, req lifecycle.OverrideRequest) (models.Ticket, error) {
	if f.overrideFn == nil {
		return nil, errors.New("unexpected override")
	}
	return f.overrideFn(ctx, req)
}

func (f fakeLifecycle) IssueDeliveryOTP(ctx context.Context, ref models.TicketRef, recipient otp.Recipient) (models.OtpChallenge, models.Ticket, error) {
	if f.issueFn == nil {
		return models.OtpChallenge{}, nil, errors.New("unexpected otp issue")
	}
	return f.issueFn(ctx, ref, recipient)
}

func (f fakeLifecycle) Notify(ctx context.Context, ref models.TicketRef, event string) (models.Ticket, error) {
	if f.notifyFn == nil {
		return nil, errors.New("unexpected notify")
	}
	return f.notifyFn(ctx, ref, event)
}

const testAdminKey = "s3cret-admin"

func newTestHandler(t *testing.T, lc fakeLifecycle) (http.Handler, *memory.Store) {
	t.Helper()
	st := memory.New()
	if err := st.AddReceipt(models.ReceiptTicket{
		ID:            1,
		TrackingCode:  "TD001",
		CustomerName:  "Asha",
		CustomerPhone: "9800001234",
		Product:       "Laptop",
		Status:        models.StatusReadyToDeliver,
	}); err != nil {
		t.Fatalf("seed receipt: %v", err)
	}
	if err := st.AddServiceTicket(models.ServiceTicket{
		ID:            1,
		TrackingCode:  "TE001",
		CustomerName:  "Meera",
		CustomerPhone: "9800005678",
		Status:        models.StatusPending,
	}); err != nil {
		t.Fatalf("seed service ticket: %v", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash admin key: %v", err)
	}
	handler := NewHandler(tracking.NewResolver(st), lc, Options{
		Settings: st,
		Admin:    NewAdminAuth(string(hash)),
	})
	return handler.Routes(), st
}

func doRequest(handler http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, _ := json.Marshal(b)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "req-1")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return resp
}

func TestTrackReceiptMasksPhone(t *testing.T) {
	handler, _ := newTestHandler(t, fakeLifecycle{})

	rec := doRequest(handler, http.MethodGet, "/api/track/td001", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var view struct {
		Type string `json:"type"`
		Data struct {
			TrackingCode  string `json:"tracking_code"`
			CustomerPhone string `json:"customer_phone"`
			Display       struct {
				Progress int `json:"progress"`
			} `json:"display"`
		} `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Type != "receipt" || view.Data.TrackingCode != "TD001" {
		t.Fatalf("unexpected view %+v", view)
	}
	if view.Data.CustomerPhone != "******1234" {
		t.Fatalf("expected masked phone, got %q", view.Data.CustomerPhone)
	}
	if view.Data.Display.Progress != 80 {
		t.Fatalf("expected progress 80, got %d", view.Data.Display.Progress)
	}
}

func TestTrackUnknownCode(t *testing.T) {
	handler, _ := newTestHandler(t, fakeLifecycle{})

	for _, code := range []string{"TD999", "XX001", "TDX001"} {
		rec := doRequest(handler, http.MethodGet, "/api/track/"+code, nil, nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", code, rec.Code)
		}
		if resp := decodeError(t, rec); resp.Error.Code != "ticket_not_found" || resp.RequestID != "req-1" {
			t.Fatalf("%s: unexpected error %+v", code, resp)
		}
	}
}

func TestStatusChangeParsesStatusForTicketKind(t *testing.T) {
	var got lifecycle.ChangeRequest
	handler, _ := newTestHandler(t, fakeLifecycle{
		changeFn: func(ctx context.Context, req lifecycle.ChangeRequest) (models.Ticket, error) {
			got = req
			return &models.ServiceTicket{ID: 1, TrackingCode: "TE001", Status: req.Status}, nil
		},
	})

	rec := doRequest(handler, http.MethodPost, "/api/tickets/TE001/status", map[string]string{"status": "assigned", "actor": " ravi "}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got.Ref != (models.TicketRef{Kind: models.KindService, ID: 1}) || got.Status != models.StatusAssigned || got.Actor != "ravi" {
		t.Fatalf("unexpected request %+v", got)
	}
	var resp struct {
		Allowed []models.Status `json:"allowed"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Allowed) != 2 {
		t.Fatalf("expected next statuses for Assigned, got %v", resp.Allowed)
	}
}

func TestStatusChangeRejectsStatusOfOtherKind(t *testing.T) {
	handler, _ := newTestHandler(t, fakeLifecycle{})

	rec := doRequest(handler, http.MethodPost, "/api/tickets/TE001/status", map[string]string{"status": "Delivered"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Error.Code != "invalid_status" {
		t.Fatalf("unexpected error %+v", resp)
	}
}

func TestStatusChangeErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "otp required", err: lifecycle.ErrOTPRequired, status: http.StatusBadRequest, code: "otp_required"},
		{name: "expired", err: otp.ErrExpired, status: http.StatusGone, code: "otp_expired"},
		{name: "invalid otp", err: otp.ErrInvalidOTP, status: http.StatusUnprocessableEntity, code: "invalid_otp"},
		{name: "no otp", err: otp.ErrNotFound, status: http.StatusNotFound, code: "otp_not_found"},
		{name: "transition", err: &status.TransitionError{Kind: models.KindReceipt, From: models.StatusPending, To: models.StatusDelivered}, status: http.StatusConflict, code: "invalid_transition"},
		{name: "conflict", err: store.ErrStatusConflict, status: http.StatusConflict, code: "status_conflict"},
		{name: "internal", err: errors.New("db down"), status: http.StatusInternalServerError, code: "internal_error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			handler, _ := newTestHandler(t, fakeLifecycle{
				changeFn: func(ctx context.Context, req lifecycle.ChangeRequest) (models.Ticket, error) {
					return nil, tc.err
				},
			})
			rec := doRequest(handler, http.MethodPost, "/api/tickets/TD001/status", map[string]string{"status": "Delivered", "otp": "000123"}, nil)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if resp := decodeError(t, rec); resp.Error.Code != tc.code {
				t.Fatalf("expected %s, got %+v", tc.code, resp)
			}
		})
	}
}

func TestIssueOTPDoesNotLeakCode(t *testing.T) {
	var got otp.Recipient
	handler, _ := newTestHandler(t, fakeLifecycle{
		issueFn: func(ctx context.Context, ref models.TicketRef, recipient otp.Recipient) (models.OtpChallenge, models.Ticket, error) {
			got = recipient
			return models.OtpChallenge{
				ChallengeID:   "c-1",
				Ticket:        ref,
				RecipientName: "Ravi",
				Phone:         "9822223333",
				Code:          "000123",
				ExpiresAt:     time.Date(2024, 3, 5, 10, 10, 0, 0, time.UTC),
			}, nil, nil
		},
	})

	rec := doRequest(handler, http.MethodPost, "/api/tickets/TD001/otp", map[string]string{"recipient": "custom", "name": "Ravi", "phone": "9822223333"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if got.Selector != otp.SelectCustom || got.Name != "Ravi" {
		t.Fatalf("unexpected recipient %+v", got)
	}
	body := rec.Body.String()
	if strings.Contains(body, "000123") {
		t.Fatalf("response leaked the code: %s", body)
	}
	if !strings.Contains(body, "******3333") {
		t.Fatalf("expected masked phone in %s", body)
	}
}

func TestIssueOTPRejectsUnknownSelector(t *testing.T) {
	handler, _ := newTestHandler(t, fakeLifecycle{})

	rec := doRequest(handler, http.MethodPost, "/api/tickets/TD001/otp", map[string]string{"recipient": "email"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestNotifyRejectsDeliveryOTPAndUnknownEvents(t *testing.T) {
	called := 0
	handler, _ := newTestHandler(t, fakeLifecycle{
		notifyFn: func(ctx context.Context, ref models.TicketRef, event string) (models.Ticket, error) {
			called++
			return &models.ReceiptTicket{ID: ref.ID, TrackingCode: "TD001"}, nil
		},
	})

	rec := doRequest(handler, http.MethodPost, "/api/tickets/TD001/notify", map[string]string{"event": notify.EventDeliveryOTP}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for delivery_otp, got %d", rec.Code)
	}
	rec = doRequest(handler, http.MethodPost, "/api/tickets/TD001/notify", map[string]string{"event": "birthday"}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unmapped event, got %d", rec.Code)
	}
	rec = doRequest(handler, http.MethodPost, "/api/tickets/TD001/notify", map[string]string{"event": notify.EventPaymentReminder}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if called != 1 {
		t.Fatalf("expected one notify call, got %d", called)
	}
}

func TestAdminOverrideRequiresKey(t *testing.T) {
	var got lifecycle.OverrideRequest
	handler, _ := newTestHandler(t, fakeLifecycle{
		overrideFn: func(ctx context.Context, req lifecycle.OverrideRequest) (models.Ticket, error) {
			got = req
			return &models.ReceiptTicket{ID: 1, TrackingCode: "TD001", Status: req.Status}, nil
		},
	})
	payload := map[string]string{"status": "Pending", "reason": "wrong scan", "actor": "admin"}

	rec := doRequest(handler, http.MethodPost, "/api/admin/tickets/TD001/status", payload, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}
	rec = doRequest(handler, http.MethodPost, "/api/admin/tickets/TD001/status", payload, map[string]string{"X-Admin-Key": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", rec.Code)
	}
	rec = doRequest(handler, http.MethodPost, "/api/admin/tickets/TD001/status", payload, map[string]string{"Authorization": "Bearer " + testAdminKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got.Status != models.StatusPending || got.Reason != "wrong scan" {
		t.Fatalf("unexpected override %+v", got)
	}
}

func TestAdminOverrideOfDeliveredIsConflict(t *testing.T) {
	handler, _ := newTestHandler(t, fakeLifecycle{
		overrideFn: func(ctx context.Context, req lifecycle.OverrideRequest) (models.Ticket, error) {
			return nil, lifecycle.ErrOverrideDelivered
		},
	})
	rec := doRequest(handler, http.MethodPost, "/api/admin/tickets/TD001/status",
		map[string]string{"status": "Delivered", "reason": "customer took it"},
		map[string]string{"X-Admin-Key": testAdminKey})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestAdminDisabledWithoutHash(t *testing.T) {
	handler := NewHandler(tracking.NewResolver(memory.New()), fakeLifecycle{}, Options{}).Routes()
	rec := doRequest(handler, http.MethodGet, "/api/settings/notifications", nil, map[string]string{"X-Admin-Key": testAdminKey})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestNotificationSettingsRoundTrip(t *testing.T) {
	handler, st := newTestHandler(t, fakeLifecycle{})
	admin := map[string]string{"X-Admin-Key": testAdminKey}

	rec := doRequest(handler, http.MethodGet, "/api/settings/notifications", nil, admin)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var current notify.TemplateConfig
	if err := json.NewDecoder(rec.Body).Decode(&current); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if current.Version != 0 || len(current.Events) == 0 {
		t.Fatalf("expected defaults at version 0, got %+v", current)
	}

	document, err := notify.MarshalTemplates(current)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	rec = doRequest(handler, http.MethodPut, "/api/settings/notifications", document, admin)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	record, found, err := st.LoadNotificationSettings(context.Background())
	if err != nil || !found || record.Version != 1 {
		t.Fatalf("expected saved version 1, got %+v found=%v err=%v", record, found, err)
	}

	rec = doRequest(handler, http.MethodPut, "/api/settings/notifications", document, admin)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for stale version, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Error.Code != "version_conflict" {
		t.Fatalf("unexpected error %+v", resp)
	}
}

func TestNotificationSettingsRejectsPlaceholderMismatch(t *testing.T) {
	handler, st := newTestHandler(t, fakeLifecycle{})

	cfg := notify.DefaultTemplates()
	delivered := cfg.Events[notify.EventDelivered]
	delivered.Params = delivered.Params[:1]
	cfg.Events[notify.EventDelivered] = delivered
	document, err := notify.MarshalTemplates(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	rec := doRequest(handler, http.MethodPut, "/api/settings/notifications", document, map[string]string{"X-Admin-Key": testAdminKey})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	if resp := decodeError(t, rec); resp.Error.Code != "invalid_configuration" {
		t.Fatalf("unexpected error %+v", resp)
	}
	if _, found, _ := st.LoadNotificationSettings(context.Background()); found {
		t.Fatalf("invalid document must not be saved")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	handler, _ := newTestHandler(t, fakeLifecycle{})
	if rec := doRequest(handler, http.MethodPost, "/api/track/TD001", nil, nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if rec := doRequest(handler, http.MethodGet, "/api/tickets/TD001/status", nil, nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestRateLimitPerTrackingCode(t *testing.T) {
	handler, _ := newTestHandler(t, fakeLifecycle{})
	limited := NewRateLimiter(RateLimitConfig{IPPerMinute: 100, IPBurst: 100, CodePerMinute: 1, CodeBurst: 1}).Middleware(handler)

	if rec := doRequest(limited, http.MethodGet, "/api/track/TD001", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected first lookup to pass, got %d", rec.Code)
	}
	if rec := doRequest(limited, http.MethodGet, "/api/track/td001", nil, nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec := doRequest(limited, http.MethodGet, "/api/track/TE001", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected other code to pass, got %d", rec.Code)
	}
}

func TestTokenLimiterSweep(t *testing.T) {
	now := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	limiter := newTokenLimiter(60, 2)
	limiter.now = func() time.Time { return now }
	limiter.allow("a")
	now = now.Add(time.Hour)
	limiter.sweep()
	if len(limiter.bucket) != 0 {
		t.Fatalf("expected idle bucket to be swept")
	}
}

func TestClientIPTrustsForwardedOnlyFromProxies(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{TrustedProxies: []string{"10.0.0.0/8", "192.0.2.7", "not-an-ip"}})

	tests := []struct {
		name      string
		remote    string
		forwarded string
		want      string
	}{
		{name: "direct client", remote: "203.0.113.9:5000", want: "203.0.113.9"},
		{name: "spoofed header from untrusted peer", remote: "203.0.113.9:5000", forwarded: "198.51.100.1", want: "203.0.113.9"},
		{name: "trusted proxy", remote: "10.1.2.3:80", forwarded: "198.51.100.1", want: "198.51.100.1"},
		{name: "client prefix behind proxy chain", remote: "10.1.2.3:80", forwarded: "1.1.1.1, 198.51.100.1, 192.0.2.7", want: "198.51.100.1"},
		{name: "trusted proxy without header", remote: "192.0.2.7:80", want: "192.0.2.7"},
	}
	for _, tc := range tests {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = tc.remote
		if tc.forwarded != "" {
			req.Header.Set("X-Forwarded-For", tc.forwarded)
		}
		if got := limiter.clientIP(req); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestSpoofedForwardedForDoesNotBypassIPLimit(t *testing.T) {
	handler, _ := newTestHandler(t, fakeLifecycle{})
	limited := NewRateLimiter(RateLimitConfig{IPPerMinute: 1, IPBurst: 1, CodePerMinute: 100, CodeBurst: 100}).Middleware(handler)

	first := doRequest(limited, http.MethodGet, "/healthz", nil, map[string]string{"X-Forwarded-For": "198.51.100.1"})
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", first.Code)
	}
	second := doRequest(limited, http.MethodGet, "/healthz", nil, map[string]string{"X-Forwarded-For": "198.51.100.2"})
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for a rotated header, got %d", second.Code)
	}
}
