package billing

// Status is the local lifecycle state of an entitlement record.
type Status string

const (
	StatusNone       Status = "none"
	StatusIncomplete Status = "incomplete"
	StatusTrialing   Status = "trialing"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCanceling  Status = "canceling"
	StatusCanceled   Status = "canceled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusNone, StatusIncomplete, StatusTrialing, StatusActive,
	StatusPastDue, StatusCanceling, StatusCanceled,
}

// IsPaid reports whether the status grants a plan.
func (s Status) IsPaid() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusPastDue, StatusCanceling:
		return true
	}
	return false
}

// HoldsSubscription reports whether a record in this status references a live
// external subscription.
func (s Status) HoldsSubscription() bool {
	return s.IsPaid() || s == StatusIncomplete
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusNone, StatusIncomplete, StatusTrialing, StatusActive,
		StatusPastDue, StatusCanceling, StatusCanceled:
		return true
	}
	return false
}

// ExternalStatus is the subscription status reported by the processor.
type ExternalStatus string

const (
	ExternalActive            ExternalStatus = "active"
	ExternalTrialing          ExternalStatus = "trialing"
	ExternalPastDue           ExternalStatus = "past_due"
	ExternalUnpaid            ExternalStatus = "unpaid"
	ExternalIncomplete        ExternalStatus = "incomplete"
	ExternalIncompleteExpired ExternalStatus = "incomplete_expired"
	ExternalCanceled          ExternalStatus = "canceled"
	ExternalPaused            ExternalStatus = "paused"
)

// TargetStatus maps a processor snapshot to the local status it implies.
// The second result is false for statuses with no local meaning.
func TargetStatus(ext ExternalStatus, cancelAtPeriodEnd bool) (Status, bool) {
	switch ext {
	case ExternalActive:
		if cancelAtPeriodEnd {
			return StatusCanceling, true
		}
		return StatusActive, true
	case ExternalTrialing:
		if cancelAtPeriodEnd {
			return StatusCanceling, true
		}
		return StatusTrialing, true
	case ExternalPastDue, ExternalUnpaid:
		if cancelAtPeriodEnd {
			return StatusCanceling, true
		}
		return StatusPastDue, true
	case ExternalIncomplete:
		return StatusIncomplete, true
	case ExternalIncompleteExpired:
		return StatusNone, true
	case ExternalCanceled:
		return StatusCanceled, true
	}
	return "", false
}
