package billing_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdrill/billing/pkg/logger"
	"github.com/quantdrill/billing/svc/billing"
)

type envelope struct {
	Data  json.RawMessage      `json:"data"`
	Error *billing.ErrorDetail `json:"error"`
}

func newTestRouter(h *harness) http.Handler {
	return billing.NewHTTPHandler(h.svc, newDispatcher(h, nil), logger.Nop()).Router()
}

func call(t *testing.T, router http.Handler, method, path, account string, body []byte, header http.Header) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	if account != "" {
		req.Header.Set(billing.AccountIDHeader, account)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env), rr.Body.String())
	return rr.Code, env
}

func TestHTTPPlans(t *testing.T) {
	t.Parallel()
	router := newTestRouter(newHarness(t))

	code, env := call(t, router, http.MethodGet, "/billing/plans", "", nil, nil)
	require.Equal(t, http.StatusOK, code)

	var plans []map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &plans))
	require.Len(t, plans, 2)
	assert.Equal(t, "pro_monthly", plans[0]["ref"])
	assert.Equal(t, "pro_annual", plans[1]["ref"])
	assert.NotContains(t, plans[0], "price_ref")
}

func TestHTTPSubscribeFlow(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	router := newTestRouter(h)

	code, env := call(t, router, http.MethodPost, "/billing/subscribe", "acct_1", []byte(`{"plan_ref":"pro_monthly"}`), nil)
	require.Equal(t, http.StatusOK, code)
	var res billing.SubscribeResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, billing.StatusIncomplete, res.Record.Status)
	assert.Equal(t, "https://pay.example.com/"+res.Record.SubscriptionRef, res.RedirectURL)

	payload := checkoutPayload(t, "evt_checkout", res.Record, epoch)
	code, env = call(t, router, http.MethodPost, "/webhooks/stripe", "", payload,
		http.Header{billing.StripeSignatureHeader: {sign(payload)}})
	require.Equal(t, http.StatusOK, code)
	var ack billing.Ack
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.Equal(t, billing.OutcomeApplied, ack.Outcome)

	code, env = call(t, router, http.MethodGet, "/billing/entitlement", "acct_1", nil, nil)
	require.Equal(t, http.StatusOK, code)
	var ent billing.Entitlement
	require.NoError(t, json.Unmarshal(env.Data, &ent))
	assert.Equal(t, billing.StatusActive, ent.Status)
	assert.True(t, ent.HasAccess)
	assert.Equal(t, "pro_monthly", ent.PlanRef)

	code, env = call(t, router, http.MethodPost, "/billing/cancel", "acct_1", []byte(`{"reason":"done prepping"}`), nil)
	require.Equal(t, http.StatusOK, code)
	var rec billing.Record
	require.NoError(t, json.Unmarshal(env.Data, &rec))
	assert.Equal(t, billing.StatusCanceling, rec.Status)

	code, _ = call(t, router, http.MethodPost, "/billing/resume", "acct_1", nil, nil)
	assert.Equal(t, http.StatusOK, code)

	code, env = call(t, router, http.MethodGet, "/billing/audit?limit=2", "acct_1", nil, nil)
	require.Equal(t, http.StatusOK, code)
	var entries []map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &entries))
	assert.Len(t, entries, 2)
}

func TestHTTPErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		method    string
		path      string
		account   string
		body      string
		setup     func(h *harness)
		status    int
		code      string
		retryable bool
	}{
		{
			name:   "missing account",
			method: http.MethodGet,
			path:   "/billing/entitlement",
			status: http.StatusUnauthorized,
			code:   "unauthorized",
		},
		{
			name:    "cancel without subscription",
			method:  http.MethodPost,
			path:    "/billing/cancel",
			account: "acct_1",
			status:  http.StatusConflict,
			code:    "no_subscription",
		},
		{
			name:    "unknown plan",
			method:  http.MethodPost,
			path:    "/billing/subscribe",
			account: "acct_1",
			body:    `{"plan_ref":"enterprise"}`,
			status:  http.StatusNotFound,
			code:    "plan_not_found",
		},
		{
			name:    "unknown field",
			method:  http.MethodPost,
			path:    "/billing/subscribe",
			account: "acct_1",
			body:    `{"plan":"pro_monthly"}`,
			status:  http.StatusBadRequest,
			code:    "invalid_body",
		},
		{
			name:    "processor unavailable",
			method:  http.MethodPost,
			path:    "/billing/subscribe",
			account: "acct_1",
			body:    `{"plan_ref":"pro_monthly"}`,
			setup: func(h *harness) {
				h.proc.failWith(billing.OpCreateCustomer, billing.ErrProcessorUnavailable)
			},
			status:    http.StatusServiceUnavailable,
			code:      "temporarily_unavailable",
			retryable: true,
		},
		{
			name:    "processor rejection",
			method:  http.MethodPost,
			path:    "/billing/subscribe",
			account: "acct_1",
			body:    `{"plan_ref":"pro_monthly"}`,
			setup: func(h *harness) {
				h.proc.failWith(billing.OpCreateSubscription, billing.ErrProcessorRejected)
			},
			status: http.StatusBadGateway,
			code:   "processor_rejected",
		},
		{
			name:    "invalid audit limit",
			method:  http.MethodGet,
			path:    "/billing/audit?limit=0",
			account: "acct_1",
			status:  http.StatusBadRequest,
			code:    "invalid_limit",
		},
		{
			name:   "unsigned webhook",
			method: http.MethodPost,
			path:   "/webhooks/stripe",
			body:   `{"id":"evt_1","type":"invoice.payment_failed"}`,
			status: http.StatusBadRequest,
			code:   "invalid_signature",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			if tt.setup != nil {
				tt.setup(h)
			}
			code, env := call(t, newTestRouter(h), tt.method, tt.path, tt.account, []byte(tt.body), nil)
			assert.Equal(t, tt.status, code)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
			assert.Equal(t, tt.retryable, env.Error.Retryable)
		})
	}
}

func TestHTTPWebhookAcknowledgesUnknownEvents(t *testing.T) {
	t.Parallel()
	router := newTestRouter(newHarness(t))
	payload := stripePayload(t, "evt_1", "product.created", epoch, map[string]any{"id": "prod_1"})

	code, env := call(t, router, http.MethodPost, "/webhooks/stripe", "", payload,
		http.Header{billing.StripeSignatureHeader: {sign(payload)}})
	require.Equal(t, http.StatusOK, code)
	var ack billing.Ack
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.Equal(t, billing.OutcomeIgnored, ack.Outcome)
}
