package billing

import "time"

// EventKind is the processor-independent category of a webhook event.
type EventKind string

const (
	EventCheckoutCompleted   EventKind = "checkout_completed"
	EventSubscriptionChanged EventKind = "subscription_changed"
	EventSubscriptionDeleted EventKind = "subscription_deleted"
	EventPaymentFailed       EventKind = "payment_failed"
	EventPaymentSucceeded    EventKind = "payment_succeeded"
	EventUnhandled           EventKind = "unhandled"
)

// Event is a verified, normalized processor notification.
type Event struct {
	ID        string
	Type      string
	Kind      EventKind
	CreatedAt time.Time

	// AccountID is set only when the processor echoed our metadata back.
	AccountID         string
	CustomerRef       string
	SubscriptionRef   string
	PriceRef          string
	// PlanRef is the plan echoed back in metadata, a fallback for events
	// that carry no price.
	PlanRef           string
	ExternalStatus    ExternalStatus
	CancelAtPeriodEnd bool
	PeriodEnd         time.Time

	InvoiceRef   string
	AttemptCount int
}

// Failure returns the payment failure an invoice event describes.
func (e Event) Failure() PaymentFailure {
	return PaymentFailure{
		InvoiceRef:      e.InvoiceRef,
		SubscriptionRef: e.SubscriptionRef,
		AttemptCount:    e.AttemptCount,
		OccurredAt:      e.CreatedAt,
	}
}

// EventVerifier authenticates a raw webhook body and decodes it. It must check
// the signature against the exact bytes received before parsing anything,
// returning ErrInvalidSignature or ErrMalformedPayload.
type EventVerifier interface {
	Verify(payload []byte, signature string) (Event, error)
}
