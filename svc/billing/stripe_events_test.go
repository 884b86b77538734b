package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"

	"github.com/quantdrill/billing/svc/billing"
)

func TestStripeVerifierSignature(t *testing.T) {
	t.Parallel()
	v := billing.NewStripeVerifier(webhookSecret)
	payload := stripePayload(t, "evt_1", "customer.created", epoch, map[string]any{"id": "cus_1"})

	t.Run("missing", func(t *testing.T) {
		t.Parallel()
		_, err := v.Verify(payload, "")
		assert.ErrorIs(t, err, billing.ErrInvalidSignature)
	})

	t.Run("wrong secret", func(t *testing.T) {
		t.Parallel()
		header := stripe.GenerateTestSignedPayload(&stripe.UnsignedPayload{
			Payload: payload, Secret: "whsec_other", Timestamp: time.Now(),
		}).Header
		_, err := v.Verify(payload, header)
		assert.ErrorIs(t, err, billing.ErrInvalidSignature)
	})

	t.Run("tampered body", func(t *testing.T) {
		t.Parallel()
		header := sign(payload)
		tampered := append([]byte(nil), payload...)
		tampered[len(tampered)-2] = ' '
		_, err := v.Verify(tampered, header)
		assert.ErrorIs(t, err, billing.ErrInvalidSignature)
	})

	t.Run("expired timestamp", func(t *testing.T) {
		t.Parallel()
		header := stripe.GenerateTestSignedPayload(&stripe.UnsignedPayload{
			Payload: payload, Secret: webhookSecret, Timestamp: time.Now().Add(-time.Hour),
		}).Header
		_, err := v.Verify(payload, header)
		assert.ErrorIs(t, err, billing.ErrInvalidSignature)
	})

	t.Run("signed garbage is malformed", func(t *testing.T) {
		t.Parallel()
		garbage := []byte("{not json")
		_, err := v.Verify(garbage, sign(garbage))
		assert.ErrorIs(t, err, billing.ErrMalformedPayload)
	})

	t.Run("missing id", func(t *testing.T) {
		t.Parallel()
		body := []byte(`{"type":"invoice.paid","data":{"object":{}}}`)
		_, err := v.Verify(body, sign(body))
		assert.ErrorIs(t, err, billing.ErrMalformedPayload)
	})

	t.Run("unhandled type", func(t *testing.T) {
		t.Parallel()
		ev, err := v.Verify(payload, sign(payload))
		require.NoError(t, err)
		assert.Equal(t, "evt_1", ev.ID)
		assert.Equal(t, "customer.created", ev.Type)
		assert.Equal(t, billing.EventUnhandled, ev.Kind)
		assert.Equal(t, epoch, ev.CreatedAt)
	})
}

func TestStripeVerifierDecodes(t *testing.T) {
	t.Parallel()
	v := billing.NewStripeVerifier(webhookSecret)
	periodEnd := epoch.Add(30 * 24 * time.Hour)

	verify := func(t *testing.T, eventType string, obj any) billing.Event {
		t.Helper()
		payload := stripePayload(t, "evt_1", eventType, epoch, obj)
		ev, err := v.Verify(payload, sign(payload))
		require.NoError(t, err)
		return ev
	}

	t.Run("checkout completed", func(t *testing.T) {
		t.Parallel()
		ev := verify(t, "checkout.session.completed", map[string]any{
			"id":                  "cs_1",
			"object":              "checkout.session",
			"mode":                "subscription",
			"client_reference_id": "acct_1",
			"customer":            "cus_1",
			"subscription":        "sub_1",
			"metadata":            map[string]string{"plan_ref": "pro_monthly"},
		})
		assert.Equal(t, billing.EventCheckoutCompleted, ev.Kind)
		assert.Equal(t, "acct_1", ev.AccountID)
		assert.Equal(t, "cus_1", ev.CustomerRef)
		assert.Equal(t, "sub_1", ev.SubscriptionRef)
		assert.Equal(t, "pro_monthly", ev.PlanRef)
	})

	t.Run("one-off checkout", func(t *testing.T) {
		t.Parallel()
		ev := verify(t, "checkout.session.completed", map[string]any{
			"id": "cs_2", "mode": "payment", "customer": "cus_1",
		})
		assert.Equal(t, billing.EventUnhandled, ev.Kind)
	})

	t.Run("subscription updated", func(t *testing.T) {
		t.Parallel()
		ev := verify(t, "customer.subscription.updated", map[string]any{
			"id":                   "sub_1",
			"object":               "subscription",
			"customer":             map[string]any{"id": "cus_1", "object": "customer"},
			"status":               "active",
			"cancel_at_period_end": true,
			"metadata":             map[string]string{"account_id": "acct_1"},
			"items": map[string]any{
				"object": "list",
				"data": []map[string]any{{
					"id":                 "si_1",
					"current_period_end": periodEnd.Unix(),
					"price":              map[string]any{"id": "price_pro_m"},
				}},
			},
		})
		assert.Equal(t, billing.EventSubscriptionChanged, ev.Kind)
		assert.Equal(t, "cus_1", ev.CustomerRef)
		assert.Equal(t, "sub_1", ev.SubscriptionRef)
		assert.Equal(t, billing.ExternalActive, ev.ExternalStatus)
		assert.True(t, ev.CancelAtPeriodEnd)
		assert.Equal(t, "price_pro_m", ev.PriceRef)
		assert.Equal(t, periodEnd, ev.PeriodEnd)
		assert.Equal(t, "acct_1", ev.AccountID)
	})

	t.Run("subscription deleted", func(t *testing.T) {
		t.Parallel()
		ev := verify(t, "customer.subscription.deleted", map[string]any{
			"id": "sub_1", "customer": "cus_1", "status": "canceled",
		})
		assert.Equal(t, billing.EventSubscriptionDeleted, ev.Kind)
		assert.Equal(t, billing.ExternalCanceled, ev.ExternalStatus)
	})

	t.Run("invoice payment failed", func(t *testing.T) {
		t.Parallel()
		ev := verify(t, "invoice.payment_failed", map[string]any{
			"id":            "in_1",
			"object":        "invoice",
			"customer":      "cus_1",
			"attempt_count": 2,
			"parent": map[string]any{
				"subscription_details": map[string]any{
					"subscription": "sub_1",
					"metadata":     map[string]string{"account_id": "acct_1", "plan_ref": "pro_monthly"},
				},
			},
			"lines": map[string]any{
				"data": []map[string]any{{
					"period":  map[string]any{"end": periodEnd.Unix()},
					"pricing": map[string]any{"price_details": map[string]any{"price": "price_pro_m"}},
				}},
			},
		})
		assert.Equal(t, billing.EventPaymentFailed, ev.Kind)
		assert.Equal(t, "in_1", ev.InvoiceRef)
		assert.Equal(t, 2, ev.AttemptCount)
		assert.Equal(t, "sub_1", ev.SubscriptionRef)
		assert.Equal(t, "acct_1", ev.AccountID)
		assert.Equal(t, "price_pro_m", ev.PriceRef)
		assert.Equal(t, periodEnd, ev.PeriodEnd)
		assert.Equal(t, "in_1#2", ev.Failure().Key())
	})

	t.Run("one-off invoice", func(t *testing.T) {
		t.Parallel()
		ev := verify(t, "invoice.paid", map[string]any{"id": "in_2", "customer": "cus_1"})
		assert.Equal(t, billing.EventUnhandled, ev.Kind)
	})

	t.Run("subscription without id", func(t *testing.T) {
		t.Parallel()
		payload := stripePayload(t, "evt_2", "customer.subscription.updated", epoch, map[string]any{"status": "active"})
		_, err := v.Verify(payload, sign(payload))
		assert.ErrorIs(t, err, billing.ErrMalformedPayload)
	})
}
