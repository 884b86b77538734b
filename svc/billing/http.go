package billing

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/quantdrill/billing/pkg/logger"
)

// AccountIDHeader carries the account id verified by the upstream gateway.
const AccountIDHeader = "X-Account-ID"

// maxWebhookBody bounds the webhook body read into memory.
const maxWebhookBody = 1 << 20

// Response is the JSON envelope of every billing endpoint.
type Response struct {
	Data  any            `json:"data,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
	Error *ErrorDetail   `json:"error,omitempty"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// HTTPHandler exposes the service and the webhook endpoint.
type HTTPHandler struct {
	service    *Service
	dispatcher *Dispatcher
	log        *slog.Logger
}

// NewHTTPHandler returns the billing HTTP handler.
func NewHTTPHandler(service *Service, dispatcher *Dispatcher, log *slog.Logger) *HTTPHandler {
	if log == nil {
		log = slog.Default()
	}
	return &HTTPHandler{service: service, dispatcher: dispatcher, log: log.With(logger.Component("billing.http"))}
}

// Routes mounts the webhook under /webhooks and the account API under
// /billing on r.
func (h *HTTPHandler) Routes(r chi.Router) {
	r.Post("/webhooks/stripe", h.webhook)
	r.Route("/billing", func(r chi.Router) {
		r.Get("/plans", h.plans)
		r.Group(func(r chi.Router) {
			r.Use(requireAccount)
			r.Get("/entitlement", h.entitlement)
			r.Get("/audit", h.auditTrail)
			r.Post("/subscribe", h.subscribe)
			r.Post("/cancel", h.cancel)
			r.Post("/resume", h.resume)
			r.Post("/change-plan", h.changePlan)
		})
	})
}

// Router returns a standalone router with request ids and panic recovery.
func (h *HTTPHandler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	h.Routes(r)
	return r
}

func (h *HTTPHandler) webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, "read_failed", err)
		return
	}
	ack, err := h.dispatcher.Handle(r.Context(), payload, r.Header.Get(StripeSignatureHeader))
	switch {
	case errors.Is(err, ErrInvalidSignature):
		h.fail(w, r, http.StatusBadRequest, "invalid_signature", ErrInvalidSignature)
	case errors.Is(err, ErrMalformedPayload):
		h.fail(w, r, http.StatusBadRequest, "malformed_payload", ErrMalformedPayload)
	case err != nil:
		// non-2xx makes the processor redeliver
		h.fail(w, r, http.StatusInternalServerError, "processing_failed", err)
	default:
		writeJSON(w, http.StatusOK, Response{Data: ack})
	}
}

func (h *HTTPHandler) plans(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Response{Data: h.service.Catalog().Plans()})
}

func (h *HTTPHandler) entitlement(w http.ResponseWriter, r *http.Request) {
	e, err := h.service.Entitlement(r.Context(), accountID(r))
	if err != nil {
		h.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Data: e})
}

func (h *HTTPHandler) auditTrail(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			h.fail(w, r, http.StatusBadRequest, "invalid_limit", errors.New("limit must be between 1 and 500"))
			return
		}
		limit = n
	}
	entries, err := h.service.AuditTrail(r.Context(), accountID(r), limit)
	if err != nil {
		h.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Data: entries})
}

type planRequest struct {
	PlanRef string `json:"plan_ref"`
	Email   string `json:"email,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *HTTPHandler) subscribe(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if !h.decode(w, r, &req) {
		return
	}
	var opts []SubscribeOption
	if req.Email != "" {
		opts = append(opts, WithCustomerEmail(req.Email))
	}
	res, err := h.service.Subscribe(r.Context(), accountID(r), req.PlanRef, opts...)
	if err != nil {
		h.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Data: res})
}

func (h *HTTPHandler) cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	rec, err := h.service.Cancel(r.Context(), accountID(r), req.Reason)
	if err != nil {
		h.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Data: rec})
}

func (h *HTTPHandler) resume(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Resume(r.Context(), accountID(r))
	if err != nil {
		h.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Data: rec})
}

func (h *HTTPHandler) changePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := h.service.ChangePlan(r.Context(), accountID(r), req.PlanRef)
	if err != nil {
		h.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Data: rec})
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.fail(w, r, http.StatusBadRequest, "invalid_body", err)
		return false
	}
	return true
}

// error maps service errors to HTTP statuses.
func (h *HTTPHandler) error(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case IsRetryable(err):
		h.log.WarnContext(r.Context(), "retryable billing failure", logger.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, Response{Error: &ErrorDetail{
			Code:      "temporarily_unavailable",
			Message:   "billing is temporarily unavailable, please retry",
			Retryable: true,
		}})
	case errors.Is(err, ErrPlanNotFound):
		h.fail(w, r, http.StatusNotFound, "plan_not_found", err)
	case errors.Is(err, ErrInvalidAccountID):
		h.fail(w, r, http.StatusUnauthorized, "unauthorized", err)
	case errors.Is(err, ErrNoSubscription):
		h.fail(w, r, http.StatusConflict, "no_subscription", err)
	case errors.Is(err, ErrAlreadySubscribed):
		h.fail(w, r, http.StatusConflict, "already_subscribed", err)
	case errors.Is(err, ErrIllegalTransition):
		h.fail(w, r, http.StatusConflict, "illegal_transition", err)
	case errors.Is(err, ErrProcessorRejected):
		h.fail(w, r, http.StatusBadGateway, "processor_rejected", err)
	default:
		h.fail(w, r, http.StatusInternalServerError, "internal_error", err)
	}
}

func (h *HTTPHandler) fail(w http.ResponseWriter, r *http.Request, status int, code string, err error) {
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		h.log.ErrorContext(r.Context(), "billing request failed",
			slog.String("path", r.URL.Path), slog.String("code", code), logger.Error(err))
		msg = http.StatusText(status)
	}
	writeJSON(w, status, Response{Error: &ErrorDetail{Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func requireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accountID(r) == "" {
			writeJSON(w, http.StatusUnauthorized, Response{Error: &ErrorDetail{
				Code:    "unauthorized",
				Message: "missing " + AccountIDHeader + " header",
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func accountID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(AccountIDHeader))
}
