package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdrill/billing/pkg/logger"
	"github.com/quantdrill/billing/svc/billing"
)

func newDispatcher(h *harness, events billing.EventLog) *billing.Dispatcher {
	return billing.NewDispatcher(billing.NewStripeVerifier(webhookSecret), h.svc, events, logger.Nop())
}

func checkoutPayload(t *testing.T, id string, rec billing.Record, created time.Time) []byte {
	t.Helper()
	return stripePayload(t, id, "checkout.session.completed", created, map[string]any{
		"id":                  "cs_" + id,
		"object":              "checkout.session",
		"mode":                "subscription",
		"client_reference_id": rec.AccountID,
		"customer":            rec.CustomerRef,
		"subscription":        rec.SubscriptionRef,
	})
}

func invoiceFailedPayload(t *testing.T, id string, rec billing.Record, invoiceRef string, created time.Time) []byte {
	t.Helper()
	return stripePayload(t, id, "invoice.payment_failed", created, map[string]any{
		"id":            invoiceRef,
		"object":        "invoice",
		"customer":      rec.CustomerRef,
		"attempt_count": 1,
		"parent": map[string]any{
			"subscription_details": map[string]any{"subscription": rec.SubscriptionRef},
		},
	})
}

// unavailableEventLog fails every call.
type unavailableEventLog struct{}

func (unavailableEventLog) Seen(context.Context, string) (bool, error) {
	return false, errors.New("event log down")
}

func (unavailableEventLog) Mark(context.Context, string) error {
	return errors.New("event log down")
}

func TestDispatcherDeduplicatesDeliveries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	d := newDispatcher(h, billing.NewMemoryEventLog(time.Hour))

	res, err := h.svc.Subscribe(ctx, "acct_1", "pro_monthly")
	require.NoError(t, err)
	payload := checkoutPayload(t, "evt_checkout", res.Record, epoch)

	ack, err := d.Handle(ctx, payload, sign(payload))
	require.NoError(t, err)
	assert.Equal(t, billing.Ack{EventID: "evt_checkout", Type: "checkout.session.completed", Outcome: billing.OutcomeApplied}, ack)

	ack, err = d.Handle(ctx, payload, sign(payload))
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeDuplicate, ack.Outcome)

	rec, err := h.svc.Record(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, rec.Status)
	assert.Equal(t, []string{"subscription.attach_customer", "subscription.subscribe", "subscription.activate"},
		h.auditTypes(t, "acct_1"))
}

func TestDispatcherRedeliversAfterFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	d := newDispatcher(h, billing.NewMemoryEventLog(time.Hour))
	active := h.activate(t, "acct_1", "pro_monthly")

	for i, inv := range []string{"in_1", "in_2"} {
		payload := invoiceFailedPayload(t, "evt_fail_"+inv, active, inv, epoch.Add(time.Duration(i+1)*time.Minute))
		ack, err := d.Handle(ctx, payload, sign(payload))
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeApplied, ack.Outcome)
	}

	h.proc.failWith(billing.OpCancelImmediately, billing.ErrProcessorUnavailable)
	third := invoiceFailedPayload(t, "evt_fail_in_3", active, "in_3", epoch.Add(3*time.Minute))
	_, err := d.Handle(ctx, third, sign(third))
	require.Error(t, err)
	assert.True(t, billing.IsRetryable(err))

	h.proc.failWith(billing.OpCancelImmediately, nil)
	ack, err := d.Handle(ctx, third, sign(third))
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, ack.Outcome)

	ack, err = d.Handle(ctx, third, sign(third))
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeDuplicate, ack.Outcome)

	rec, err := h.svc.Record(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCanceled, rec.Status)
	assert.Zero(t, rec.PaymentFailureCount)
	assert.Equal(t, 2, h.proc.count(billing.OpCancelImmediately))
}

func TestDispatcherRejectsUnverifiedDeliveries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	d := newDispatcher(h, nil)

	res, err := h.svc.Subscribe(ctx, "acct_1", "pro_monthly")
	require.NoError(t, err)
	payload := checkoutPayload(t, "evt_forged", res.Record, epoch)

	_, err = d.Handle(ctx, payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, billing.ErrInvalidSignature)

	rec, err := h.svc.Record(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusIncomplete, rec.Status)
}

func TestDispatcherAcknowledgesUnknownEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	d := newDispatcher(h, nil)

	tests := []struct {
		name    string
		payload []byte
	}{
		{
			name:    "unhandled type",
			payload: stripePayload(t, "evt_u1", "customer.created", epoch, map[string]any{"id": "cus_x"}),
		},
		{
			name: "unknown customer",
			payload: invoiceFailedPayload(t, "evt_u2",
				billing.Record{CustomerRef: "cus_nobody", SubscriptionRef: "sub_nobody"}, "in_x", epoch),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack, err := d.Handle(ctx, tt.payload, sign(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, billing.OutcomeIgnored, ack.Outcome)
		})
	}
}

func TestDispatcherToleratesUnavailableEventLog(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	d := newDispatcher(h, unavailableEventLog{})

	res, err := h.svc.Subscribe(ctx, "acct_1", "pro_monthly")
	require.NoError(t, err)
	payload := checkoutPayload(t, "evt_checkout", res.Record, epoch)

	ack, err := d.Handle(ctx, payload, sign(payload))
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, ack.Outcome)

	// without the log the level-set transition still makes replays harmless
	ack, err = d.Handle(ctx, payload, sign(payload))
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeNoop, ack.Outcome)
}
