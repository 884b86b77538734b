package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdrill/billing/svc/billing"
)

var allTriggers = []billing.Trigger{
	billing.TriggerAttachCustomer,
	billing.TriggerSubscribe,
	billing.TriggerActivate,
	billing.TriggerAbandon,
	billing.TriggerPaymentFailed,
	billing.TriggerPaymentSucceeded,
	billing.TriggerRequestCancel,
	billing.TriggerRescindCancel,
	billing.TriggerChangePlan,
	billing.TriggerTerminate,
	billing.TriggerForceDowngrade,
	billing.TriggerSync,
}

// seed returns a valid record in the given status.
func seed(status billing.Status) billing.Record {
	rec := billing.Record{
		AccountID:   "acct_1",
		CustomerRef: "cus_1",
		Status:      status,
		Version:     1,
	}
	periodEnd := epoch.Add(30 * 24 * time.Hour)
	switch status {
	case billing.StatusNone:
		rec.CustomerRef = ""
	case billing.StatusIncomplete:
		rec.SubscriptionRef, rec.PlanRef = "sub_1", "pro_monthly"
	case billing.StatusTrialing, billing.StatusActive:
		rec.SubscriptionRef, rec.PlanRef, rec.CurrentPeriodEnd = "sub_1", "pro_monthly", periodEnd
	case billing.StatusPastDue:
		rec.SubscriptionRef, rec.PlanRef, rec.CurrentPeriodEnd = "sub_1", "pro_monthly", periodEnd
		rec.PaymentFailureCount = 1
	case billing.StatusCanceling:
		rec.SubscriptionRef, rec.PlanRef, rec.CurrentPeriodEnd = "sub_1", "pro_monthly", periodEnd
		rec.Cancellation = &billing.Cancellation{RequestedAt: epoch, EffectiveAt: periodEnd}
	case billing.StatusCanceled:
		rec.Cancellation = &billing.Cancellation{RequestedAt: epoch, EffectiveAt: epoch, Completed: true}
	}
	return rec
}

func TestMachineTransitions(t *testing.T) {
	t.Parallel()
	m := billing.NewMachine()
	ctx := context.Background()
	at := epoch.Add(time.Hour)
	periodEnd := epoch.Add(60 * 24 * time.Hour)

	tests := []struct {
		name    string
		from    billing.Status
		trigger billing.Trigger
		in      billing.Input
		want    billing.Status
		check   func(t *testing.T, r billing.Record)
	}{
		{
			name: "subscribe from none", from: billing.StatusNone, trigger: billing.TriggerSubscribe,
			in:   billing.Input{CustomerRef: "cus_1", SubscriptionRef: "sub_2", PlanRef: "pro_annual"},
			want: billing.StatusIncomplete,
			check: func(t *testing.T, r billing.Record) {
				assert.Equal(t, "sub_2", r.SubscriptionRef)
				assert.Equal(t, "pro_annual", r.PlanRef)
			},
		},
		{
			name: "subscribe again after cancel", from: billing.StatusCanceled, trigger: billing.TriggerSubscribe,
			in:   billing.Input{SubscriptionRef: "sub_2", PlanRef: "pro_monthly"},
			want: billing.StatusIncomplete,
			check: func(t *testing.T, r billing.Record) {
				assert.Nil(t, r.Cancellation)
			},
		},
		{
			name: "activate incomplete", from: billing.StatusIncomplete, trigger: billing.TriggerActivate,
			in: billing.Input{PeriodEnd: periodEnd}, want: billing.StatusActive,
			check: func(t *testing.T, r billing.Record) {
				assert.Equal(t, periodEnd, r.CurrentPeriodEnd)
			},
		},
		{
			name: "abandon incomplete", from: billing.StatusIncomplete, trigger: billing.TriggerAbandon,
			want: billing.StatusNone,
			check: func(t *testing.T, r billing.Record) {
				assert.Empty(t, r.SubscriptionRef)
				assert.Empty(t, r.PlanRef)
				assert.Equal(t, "cus_1", r.CustomerRef)
			},
		},
		{
			name: "payment failed on active", from: billing.StatusActive, trigger: billing.TriggerPaymentFailed,
			in: billing.Input{FailureCount: 1}, want: billing.StatusPastDue,
			check: func(t *testing.T, r billing.Record) {
				assert.Equal(t, 1, r.PaymentFailureCount)
			},
		},
		{
			name: "payment failed while canceling", from: billing.StatusCanceling, trigger: billing.TriggerPaymentFailed,
			in: billing.Input{FailureCount: 1}, want: billing.StatusCanceling,
		},
		{
			name: "payment succeeded on past due", from: billing.StatusPastDue, trigger: billing.TriggerPaymentSucceeded,
			want: billing.StatusActive,
			check: func(t *testing.T, r billing.Record) {
				assert.Zero(t, r.PaymentFailureCount)
			},
		},
		{
			name: "request cancel", from: billing.StatusActive, trigger: billing.TriggerRequestCancel,
			in: billing.Input{At: at, Reason: "moving on"}, want: billing.StatusCanceling,
			check: func(t *testing.T, r billing.Record) {
				require.NotNil(t, r.Cancellation)
				assert.Equal(t, at, r.Cancellation.RequestedAt)
				assert.Equal(t, r.CurrentPeriodEnd, r.Cancellation.EffectiveAt)
				assert.Equal(t, "moving on", r.Cancellation.Reason)
				assert.False(t, r.Cancellation.Completed)
			},
		},
		{
			name: "rescind cancel", from: billing.StatusCanceling, trigger: billing.TriggerRescindCancel,
			want: billing.StatusActive,
			check: func(t *testing.T, r billing.Record) {
				assert.Nil(t, r.Cancellation)
			},
		},
		{
			name: "change plan keeps status", from: billing.StatusPastDue, trigger: billing.TriggerChangePlan,
			in: billing.Input{PlanRef: "pro_annual"}, want: billing.StatusPastDue,
			check: func(t *testing.T, r billing.Record) {
				assert.Equal(t, "pro_annual", r.PlanRef)
				assert.Equal(t, 1, r.PaymentFailureCount)
			},
		},
		{
			name: "terminate canceling", from: billing.StatusCanceling, trigger: billing.TriggerTerminate,
			in: billing.Input{At: at}, want: billing.StatusCanceled,
			check: func(t *testing.T, r billing.Record) {
				require.NotNil(t, r.Cancellation)
				assert.True(t, r.Cancellation.Completed)
				assert.Equal(t, at, r.Cancellation.EffectiveAt)
				assert.Equal(t, epoch, r.Cancellation.RequestedAt)
			},
		},
		{
			name: "terminate incomplete", from: billing.StatusIncomplete, trigger: billing.TriggerTerminate,
			want: billing.StatusNone,
		},
		{
			name: "force downgrade", from: billing.StatusPastDue, trigger: billing.TriggerForceDowngrade,
			in: billing.Input{At: at, Reason: "payment_failed"}, want: billing.StatusCanceled,
			check: func(t *testing.T, r billing.Record) {
				assert.Zero(t, r.PaymentFailureCount)
				assert.Empty(t, r.PlanRef)
				assert.Empty(t, r.SubscriptionRef)
				require.NotNil(t, r.Cancellation)
				assert.Equal(t, "payment_failed", r.Cancellation.Reason)
			},
		},
		{
			name: "sync to canceling", from: billing.StatusActive, trigger: billing.TriggerSync,
			in: billing.Input{Target: billing.StatusCanceling, SubscriptionRef: "sub_1"}, want: billing.StatusCanceling,
			check: func(t *testing.T, r billing.Record) {
				require.NotNil(t, r.Cancellation)
				assert.False(t, r.Cancellation.Completed)
			},
		},
		{
			name: "sync to active clears failures", from: billing.StatusPastDue, trigger: billing.TriggerSync,
			in: billing.Input{Target: billing.StatusActive}, want: billing.StatusActive,
			check: func(t *testing.T, r billing.Record) {
				assert.Zero(t, r.PaymentFailureCount)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cur := seed(tt.from)
			tr, err := m.Apply(ctx, cur, tt.trigger, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.from, tr.From)
			assert.Equal(t, tt.want, tr.To)
			assert.Equal(t, tt.want, tr.After.Status)
			assert.True(t, tr.Changed)
			assert.Equal(t, cur, tr.Before)
			assert.Equal(t, seed(tt.from), cur, "input record is not mutated")
			require.NoError(t, tr.After.Validate())
			if tt.check != nil {
				tt.check(t, tr.After)
			}
		})
	}
}

func TestMachineRejectsIllegalTransitions(t *testing.T) {
	t.Parallel()
	m := billing.NewMachine()

	tests := []struct {
		from    billing.Status
		trigger billing.Trigger
	}{
		{billing.StatusNone, billing.TriggerRequestCancel},
		{billing.StatusNone, billing.TriggerPaymentFailed},
		{billing.StatusNone, billing.TriggerForceDowngrade},
		{billing.StatusActive, billing.TriggerSubscribe},
		{billing.StatusActive, billing.TriggerAbandon},
		{billing.StatusActive, billing.TriggerRescindCancel},
		{billing.StatusCanceling, billing.TriggerRequestCancel},
		{billing.StatusCanceled, billing.TriggerPaymentFailed},
		{billing.StatusCanceled, billing.TriggerChangePlan},
		{billing.StatusIncomplete, billing.TriggerPaymentFailed},
		{billing.StatusIncomplete, billing.TriggerForceDowngrade},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.trigger), func(t *testing.T) {
			t.Parallel()
			rec := seed(tt.from)
			assert.False(t, m.CanApply(rec, tt.trigger))
			_, err := m.Apply(context.Background(), rec, tt.trigger, billing.Input{
				SubscriptionRef: "sub_9", PlanRef: "pro_monthly", FailureCount: 1,
			})
			assert.ErrorIs(t, err, billing.ErrIllegalTransition)
		})
	}
}

func TestMachineCustomerRefIsImmutable(t *testing.T) {
	t.Parallel()
	m := billing.NewMachine()

	_, err := m.Apply(context.Background(), seed(billing.StatusActive), billing.TriggerAttachCustomer,
		billing.Input{CustomerRef: "cus_other"})
	assert.ErrorIs(t, err, billing.ErrCustomerRefImmutable)

	tr, err := m.Apply(context.Background(), seed(billing.StatusActive), billing.TriggerAttachCustomer,
		billing.Input{CustomerRef: "cus_1"})
	require.NoError(t, err)
	assert.False(t, tr.Changed)
}

func TestMachineFailureCountNeverDecreasesOnFailure(t *testing.T) {
	t.Parallel()
	m := billing.NewMachine()
	rec := seed(billing.StatusPastDue)
	rec.PaymentFailureCount = 2

	tr, err := m.Apply(context.Background(), rec, billing.TriggerPaymentFailed, billing.Input{FailureCount: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, tr.After.PaymentFailureCount)
	assert.False(t, tr.Changed)
}

// Every transition the table accepts yields a record that satisfies the
// record invariants, from every status and with every trigger.
func TestMachinePreservesInvariants(t *testing.T) {
	t.Parallel()
	m := billing.NewMachine()
	ctx := context.Background()

	for _, from := range billing.AllStatuses {
		for _, trigger := range allTriggers {
			targets := []billing.Status{""}
			if trigger == billing.TriggerSync {
				targets = billing.AllStatuses
			}
			for _, target := range targets {
				cur := seed(from)
				in := billing.Input{
					At:              epoch.Add(time.Hour),
					CustomerRef:     "cus_1",
					SubscriptionRef: "sub_2",
					PlanRef:         "pro_annual",
					PeriodEnd:       epoch.Add(60 * 24 * time.Hour),
					FailureCount:    cur.PaymentFailureCount + 1,
					Target:          target,
				}
				tr, err := m.Apply(ctx, cur, trigger, in)
				if err != nil {
					assert.True(t,
						errors.Is(err, billing.ErrIllegalTransition) || errors.Is(err, billing.ErrInvariantViolation),
						"%s --%s--> %s: %v", from, trigger, target, err)
					continue
				}
				assert.NoError(t, tr.After.Validate(), "%s --%s--> %s", from, trigger, target)
				if trigger != billing.TriggerPaymentFailed {
					assert.LessOrEqual(t, tr.After.PaymentFailureCount, cur.PaymentFailureCount,
						"%s --%s--> %s raised the failure count", from, trigger, target)
				}
			}
		}
	}
}
