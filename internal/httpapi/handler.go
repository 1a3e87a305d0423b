package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"repaircrm/ticket-service/internal/lifecycle"
	"repaircrm/ticket-service/internal/metrics"
	"repaircrm/ticket-service/internal/models"
	"repaircrm/ticket-service/internal/notify"
	"repaircrm/ticket-service/internal/otp"
	"repaircrm/ticket-service/internal/status"
	"repaircrm/ticket-service/internal/store"
	"repaircrm/ticket-service/internal/tracking"
)

// Lifecycle is the part of the coordinator the HTTP layer drives.
type Lifecycle interface {
	RequestStatusChange(ctx context.Context, req lifecycle.ChangeRequest) (models.Ticket, error)
	AdminOverrideStatus(ctx context.Context, req lifecycle.OverrideRequest) (models.Ticket, error)
	IssueDeliveryOTP(ctx context.Context, ref models.TicketRef, recipient otp.Recipient) (models.OtpChallenge, models.Ticket, error)
	Notify(ctx context.Context, ref models.TicketRef, event string) (models.Ticket, error)
}

type Tracker interface {
	Locate(ctx context.Context, code string) (models.Ticket, error)
	Resolve(ctx context.Context, code string) (tracking.Result, error)
}

type Handler struct {
	tracker   Tracker
	lifecycle Lifecycle
	settings  store.SettingsStore
	templates notify.TemplateSource
	admin     *AdminAuth
	realtime  http.Handler
}

type Options struct {
	Settings  store.SettingsStore
	Templates notify.TemplateSource
	Admin     *AdminAuth
	Realtime  http.Handler
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(tracker Tracker, lc Lifecycle, options Options) *Handler {
	templates := options.Templates
	if templates == nil {
		templates = notify.Loader{Settings: options.Settings}
	}
	return &Handler{
		tracker:   tracker,
		lifecycle: lc,
		settings:  options.Settings,
		templates: templates,
		admin:     options.Admin,
		realtime:  options.Realtime,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/api/track/", h.handleTrack)
	mux.HandleFunc("/api/tickets/", h.handleTicketActions)
	mux.HandleFunc("/api/admin/tickets/", h.handleAdminTicketActions)
	mux.HandleFunc("/api/settings/notifications", h.handleNotificationSettings)
	if h.realtime != nil {
		mux.Handle("/realtime/", h.realtime)
	}
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleTrack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	code := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/track/"), "/")
	if code == "" || strings.Contains(code, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	result, err := h.tracker.Resolve(r.Context(), code)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tracking.View(result))
}

type statusChangeRequest struct {
	Status       string `json:"status"`
	OTP          string `json:"otp"`
	DeliveryNote string `json:"delivery_note"`
	Actor        string `json:"actor"`
	Note         string `json:"note"`
}

type issueOTPRequest struct {
	Recipient string `json:"recipient"`
	Name      string `json:"name"`
	Phone     string `json:"phone"`
}

type notifyRequest struct {
	Event string `json:"event"`
}

type overrideRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

type ticketResponse struct {
	Kind    models.Kind     `json:"kind"`
	Ticket  models.Ticket   `json:"ticket"`
	Display status.Display  `json:"display"`
	Allowed []models.Status `json:"allowed"`
}

type otpResponse struct {
	ChallengeID   string `json:"challenge_id"`
	TicketCode    string `json:"ticket_code"`
	RecipientName string `json:"recipient_name"`
	Phone         string `json:"phone"`
	ExpiresAt     string `json:"expires_at"`
}

func (h *Handler) handleTicketActions(w http.ResponseWriter, r *http.Request) {
	code, action, ok := splitTicketPath(r.URL.Path, "/api/tickets/")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleGetTicket(w, r, code)
	case "status":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleStatusChange(w, r, code)
	case "otp":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleIssueOTP(w, r, code)
	case "notify":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleNotify(w, r, code)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request, code string) {
	ticket, err := h.tracker.Locate(r.Context(), code)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTicketResponse(ticket))
}

func (h *Handler) handleStatusChange(w http.ResponseWriter, r *http.Request, code string) {
	var req statusChangeRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	ticket, err := h.tracker.Locate(r.Context(), code)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	kind := ticket.Ref().Kind
	to, ok := status.ParseStatus(kind, req.Status)
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_status", "status is not valid for a "+string(kind)+" ticket")
		return
	}

	updated, err := h.lifecycle.RequestStatusChange(r.Context(), lifecycle.ChangeRequest{
		Ref:          ticket.Ref(),
		Status:       to,
		OTPCode:      strings.TrimSpace(req.OTP),
		DeliveryNote: strings.TrimSpace(req.DeliveryNote),
		Actor:        strings.TrimSpace(req.Actor),
		Note:         strings.TrimSpace(req.Note),
	})
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTicketResponse(updated))
}

func (h *Handler) handleIssueOTP(w http.ResponseWriter, r *http.Request, code string) {
	var req issueOTPRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	selector, err := otp.ParseSelector(req.Recipient)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	ticket, err := h.tracker.Locate(r.Context(), code)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}

	challenge, _, err := h.lifecycle.IssueDeliveryOTP(r.Context(), ticket.Ref(), otp.Recipient{
		Selector: selector,
		Name:     req.Name,
		Phone:    req.Phone,
	})
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, otpResponse{
		ChallengeID:   challenge.ChallengeID,
		TicketCode:    ticket.Code(),
		RecipientName: challenge.RecipientName,
		Phone:         models.MaskPhone(challenge.Phone),
		ExpiresAt:     challenge.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) handleNotify(w http.ResponseWriter, r *http.Request, code string) {
	var req notifyRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	event := strings.TrimSpace(req.Event)
	// Delivery codes only leave through the OTP endpoint.
	if event == "" || event == notify.EventDeliveryOTP {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "event is required and cannot be delivery_otp")
		return
	}
	cfg, err := h.templates.Templates(r.Context())
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	if _, _, ok := cfg.Resolve(event); !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnprocessableEntity, "unknown_event", "no template is mapped for "+event)
		return
	}

	ticket, err := h.tracker.Locate(r.Context(), code)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	if _, err := h.lifecycle.Notify(r.Context(), ticket.Ref(), event); err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"ticket_code": ticket.Code(), "event": event})
}

func (h *Handler) handleAdminTicketActions(w http.ResponseWriter, r *http.Request) {
	code, action, ok := splitTicketPath(r.URL.Path, "/api/admin/tickets/")
	if !ok || action != "status" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.admin.Authorize(w, r) {
		return
	}

	var req overrideRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	ticket, err := h.tracker.Locate(r.Context(), code)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	kind := ticket.Ref().Kind
	to, ok := status.ParseStatus(kind, req.Status)
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_status", "status is not valid for a "+string(kind)+" ticket")
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "reason is required")
		return
	}

	updated, err := h.lifecycle.AdminOverrideStatus(r.Context(), lifecycle.OverrideRequest{
		Ref:    ticket.Ref(),
		Status: to,
		Reason: strings.TrimSpace(req.Reason),
		Actor:  strings.TrimSpace(req.Actor),
	})
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTicketResponse(updated))
}

// handleNotificationSettings reads or replaces the template mapping. A PUT
// carries the version it was edited from; a stale version is rejected.
func (h *Handler) handleNotificationSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodPut:
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.admin.Authorize(w, r) {
		return
	}

	if r.Method == http.MethodGet {
		cfg, err := h.templates.Templates(r.Context())
		if err != nil {
			writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
		return
	}

	if h.settings == nil {
		writeError(w, requestIDFromRequest(r), http.StatusServiceUnavailable, "settings_unavailable", "settings store is not configured")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "unreadable body")
		return
	}
	cfg, err := notify.ParseTemplates(body)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	if err := cfg.Validate(); err != nil {
		writeMappedError(w, r, err)
		return
	}

	expected := cfg.Version
	cfg.Version = 0
	document, err := notify.MarshalTemplates(cfg)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	version, err := h.settings.SaveNotificationSettings(r.Context(), document, expected)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	cfg.Version = version
	log.Printf("notification settings saved version=%d events=%d", version, len(cfg.Events))
	writeJSON(w, http.StatusOK, cfg)
}

// splitTicketPath turns "/prefix/TD001/status" into ("TD001", "status").
func splitTicketPath(path, prefix string) (string, string, bool) {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	switch len(parts) {
	case 1:
		return parts[0], "", true
	case 2:
		return parts[0], parts[1], true
	default:
		return "", "", false
	}
}

func newTicketResponse(ticket models.Ticket) ticketResponse {
	kind := ticket.Ref().Kind
	allowed := status.Allowed(kind, ticket.CurrentStatus())
	if allowed == nil {
		allowed = []models.Status{}
	}
	return ticketResponse{
		Kind:    kind,
		Ticket:  ticket,
		Display: status.Describe(kind, ticket.CurrentStatus()),
		Allowed: allowed,
	}
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	var transition *status.TransitionError
	var configErr *notify.ConfigError
	switch {
	case errors.Is(err, tracking.ErrNotFound), errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.As(err, &transition):
		return http.StatusConflict, "invalid_transition", transition.Error()
	case errors.Is(err, status.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "status change is not allowed"
	case errors.Is(err, store.ErrStatusConflict):
		return http.StatusConflict, "status_conflict", "ticket status changed concurrently, reload and retry"
	case errors.Is(err, lifecycle.ErrOTPRequired):
		return http.StatusBadRequest, "otp_required", "otp is required to mark the ticket delivered"
	case errors.Is(err, otp.ErrNotFound):
		return http.StatusNotFound, "otp_not_found", "no active otp for this ticket"
	case errors.Is(err, otp.ErrExpired):
		return http.StatusGone, "otp_expired", "otp has expired, issue a new one"
	case errors.Is(err, otp.ErrInvalidOTP):
		return http.StatusUnprocessableEntity, "invalid_otp", "otp does not match"
	case errors.Is(err, otp.ErrRecipientUnavailable):
		return http.StatusUnprocessableEntity, "recipient_unavailable", err.Error()
	case errors.Is(err, otp.ErrInvalidRecipient):
		return http.StatusBadRequest, "invalid_recipient", err.Error()
	case errors.Is(err, lifecycle.ErrNotDeliverable):
		return http.StatusConflict, "not_deliverable", "ticket is not awaiting delivery"
	case errors.Is(err, lifecycle.ErrOverrideDelivered):
		return http.StatusConflict, "override_not_allowed", "delivered can only be set with an otp"
	case errors.Is(err, lifecycle.ErrUnknownStatus):
		return http.StatusBadRequest, "invalid_status", "unknown status"
	case errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict, "version_conflict", "settings were changed by someone else, reload and retry"
	case errors.As(err, &configErr):
		return http.StatusUnprocessableEntity, "invalid_configuration", configErr.Error()
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	code, errCode, msg := mapError(err)
	if code == http.StatusInternalServerError {
		log.Printf("request error method=%s path=%s err=%v", r.Method, r.URL.Path, err)
	}
	writeError(w, requestIDFromRequest(r), code, errCode, msg)
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
