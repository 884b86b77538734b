package billing

import (
	"context"
	"strconv"
	"time"
)

// Operation is a kind of processor call.
type Operation string

const (
	OpCreateCustomer       Operation = "create_customer"
	OpCreateSubscription   Operation = "create_subscription"
	OpRetrieveSubscription Operation = "retrieve_subscription"
	OpCancelAtPeriodEnd    Operation = "cancel_at_period_end"
	OpResumeSubscription   Operation = "resume_subscription"
	OpChangePrice          Operation = "change_price"
	OpCancelImmediately    Operation = "cancel_immediately"
)

// Params are the operation arguments. Only the fields an operation uses take
// part in its idempotency token.
type Params struct {
	CustomerRef     string
	SubscriptionRef string
	PriceRef        string
	PlanRef         string
	Email           string
	Reason          string
	// Revision is the record version the caller read before the call. It
	// separates toggles of the same setting inside one idempotency bucket.
	Revision int64
}

// Call is a fully prepared processor request.
type Call struct {
	Op             Operation
	AccountID      string
	Params         Params
	IdempotencyKey string
}

// ExternalResult is the processor's view after a call.
type ExternalResult struct {
	CustomerRef       string
	SubscriptionRef   string
	Status            ExternalStatus
	CancelAtPeriodEnd bool
	PriceRef          string
	CurrentPeriodEnd  time.Time
	// RedirectURL is where the account holder completes the first payment.
	RedirectURL string
}

// Processor executes calls against the external payment processor.
// Implementations must forward IdempotencyKey so retried calls are
// deduplicated by the processor, and must wrap transient failures with
// ErrProcessorUnavailable and permanent ones with ErrProcessorRejected.
type Processor interface {
	Execute(ctx context.Context, call Call) (*ExternalResult, error)
}

// tokenFields returns the params that identify a call of this kind.
func (op Operation) tokenFields(p Params) []string {
	switch op {
	case OpCreateCustomer:
		return nil
	case OpCreateSubscription:
		return []string{p.CustomerRef, p.PriceRef}
	case OpChangePrice:
		return []string{p.SubscriptionRef, p.PriceRef, strconv.FormatInt(p.Revision, 10)}
	case OpCancelAtPeriodEnd, OpResumeSubscription:
		return []string{p.SubscriptionRef, strconv.FormatInt(p.Revision, 10)}
	default:
		return []string{p.SubscriptionRef}
	}
}
