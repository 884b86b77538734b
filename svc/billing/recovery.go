package billing

import (
	"fmt"
	"time"
)

// RecoveryAction is what the recovery ladder asks the caller to do.
type RecoveryAction string

const (
	ActionAwaitRetry     RecoveryAction = "await_automatic_retry"
	ActionNotifyHolder   RecoveryAction = "notify_account_holder"
	ActionForceDowngrade RecoveryAction = "force_downgrade"
)

// PaymentFailure is one distinct failed payment attempt.
type PaymentFailure struct {
	InvoiceRef      string
	SubscriptionRef string
	// AttemptCount is the processor's own attempt counter for the invoice,
	// zero when unknown.
	AttemptCount int
	OccurredAt   time.Time
}

// Key identifies the failure for deduplication.
func (f PaymentFailure) Key() string {
	return fmt.Sprintf("%s#%d", f.InvoiceRef, f.AttemptCount)
}

// Decision is the result of the recovery ladder.
type Decision struct {
	FailureCount int
	Action       RecoveryAction
}

// Policy is the payment failure escalation ladder.
type Policy struct {
	// NotifyAt is the failure count at which the holder is notified.
	NotifyAt int
	// DowngradeAt is the failure count at which the subscription is cancelled
	// immediately, ignoring the remaining period.
	DowngradeAt int
}

// DefaultPolicy notifies on the second failure and downgrades on the third.
func DefaultPolicy() Policy {
	return Policy{NotifyAt: 2, DowngradeAt: 3}
}

// Decide is a pure function of the current counter and a new, already
// deduplicated failure. The counter never moves backwards and takes the
// processor's attempt count into account when it is ahead.
func (p Policy) Decide(current int, f PaymentFailure) Decision {
	count := max(current+1, f.AttemptCount)
	return Decision{FailureCount: count, Action: p.actionFor(count)}
}

// Pending reports whether a record with this counter still owes a downgrade.
// Used when a failure is redelivered after the counter was written but before
// the downgrade completed.
func (p Policy) Pending(count int) bool {
	return p.downgradeAt() > 0 && count >= p.downgradeAt()
}

func (p Policy) actionFor(count int) RecoveryAction {
	switch {
	case count >= p.downgradeAt():
		return ActionForceDowngrade
	case count >= p.notifyAt():
		return ActionNotifyHolder
	default:
		return ActionAwaitRetry
	}
}

func (p Policy) notifyAt() int {
	if p.NotifyAt <= 0 {
		return 2
	}
	return p.NotifyAt
}

func (p Policy) downgradeAt() int {
	if p.DowngradeAt <= 0 {
		return 3
	}
	return p.DowngradeAt
}
