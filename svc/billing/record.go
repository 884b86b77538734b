package billing

import (
	"fmt"
	"time"
)

// Cancellation describes a requested or completed cancellation.
type Cancellation struct {
	RequestedAt time.Time `json:"requested_at"`
	EffectiveAt time.Time `json:"effective_at"`
	Reason      string    `json:"reason,omitempty"`
	Completed   bool      `json:"completed"`
}

// Record is the entitlement record for one account.
type Record struct {
	AccountID           string        `json:"account_id"`
	CustomerRef         string        `json:"customer_ref,omitempty"`
	SubscriptionRef     string        `json:"subscription_ref,omitempty"`
	PlanRef             string        `json:"plan_ref,omitempty"`
	Status              Status        `json:"status"`
	CurrentPeriodEnd    time.Time     `json:"current_period_end,omitzero"`
	PaymentFailureCount int           `json:"payment_failure_count"`
	Cancellation        *Cancellation `json:"cancellation,omitempty"`

	// LastEventAt is the creation time of the newest processor event applied
	// to the record. Older events never change the status.
	LastEventAt time.Time `json:"last_event_at,omitzero"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewRecord returns the implicit record of an account that never subscribed.
func NewRecord(accountID string) Record {
	return Record{AccountID: accountID, Status: StatusNone}
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	if r.Cancellation != nil {
		c := *r.Cancellation
		r.Cancellation = &c
	}
	return r
}

// Validate checks the record invariants:
//   - a subscription ref is held exactly while the status holds a subscription
//   - a plan ref is held exactly while the status holds a subscription
//   - canceling records carry an open cancellation
//   - the failure counter is never negative
func (r Record) Validate() error {
	if r.AccountID == "" {
		return fmt.Errorf("%w: account id is empty", ErrInvariantViolation)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvariantViolation, r.Status)
	}
	if (r.SubscriptionRef != "") != r.Status.HoldsSubscription() {
		return fmt.Errorf("%w: subscription ref %q with status %s", ErrInvariantViolation, r.SubscriptionRef, r.Status)
	}
	if (r.PlanRef != "") != r.Status.HoldsSubscription() {
		return fmt.Errorf("%w: plan ref %q with status %s", ErrInvariantViolation, r.PlanRef, r.Status)
	}
	if r.Status == StatusCanceling && (r.Cancellation == nil || r.Cancellation.Completed) {
		return fmt.Errorf("%w: canceling without an open cancellation", ErrInvariantViolation)
	}
	if r.PaymentFailureCount < 0 {
		return fmt.Errorf("%w: negative failure count", ErrInvariantViolation)
	}
	return nil
}

// HasAccess reports whether premium features are available at now.
// Past-due and canceling records keep access until the period ends.
func (r Record) HasAccess(now time.Time) bool {
	switch r.Status {
	case StatusActive, StatusTrialing:
		return true
	case StatusPastDue:
		return now.Before(r.CurrentPeriodEnd)
	case StatusCanceling:
		end := r.CurrentPeriodEnd
		if r.Cancellation != nil && !r.Cancellation.EffectiveAt.IsZero() {
			end = r.Cancellation.EffectiveAt
		}
		return now.Before(end)
	}
	return false
}

// sameState reports whether two records carry identical entitlement data.
// Bookkeeping fields (version, timestamps) are ignored.
func (r Record) sameState(o Record) bool {
	if r.CustomerRef != o.CustomerRef ||
		r.SubscriptionRef != o.SubscriptionRef ||
		r.PlanRef != o.PlanRef ||
		r.Status != o.Status ||
		!r.CurrentPeriodEnd.Equal(o.CurrentPeriodEnd) ||
		r.PaymentFailureCount != o.PaymentFailureCount {
		return false
	}
	switch {
	case r.Cancellation == nil && o.Cancellation == nil:
		return true
	case r.Cancellation == nil || o.Cancellation == nil:
		return false
	}
	a, b := r.Cancellation, o.Cancellation
	return a.Completed == b.Completed &&
		a.Reason == b.Reason &&
		a.RequestedAt.Equal(b.RequestedAt) &&
		a.EffectiveAt.Equal(b.EffectiveAt)
}
