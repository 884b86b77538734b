package billing

import (
	"context"
	"errors"
)

var (
	ErrInvalidSignature     = errors.New("billing: invalid webhook signature")
	ErrMalformedPayload     = errors.New("billing: malformed webhook payload")
	ErrUnknownReference     = errors.New("billing: unknown external reference")
	ErrDuplicateEvent       = errors.New("billing: duplicate event")
	ErrProcessorUnavailable = errors.New("billing: payment processor unavailable")
	ErrProcessorRejected    = errors.New("billing: payment processor rejected the request")
	ErrVersionConflict      = errors.New("billing: record was modified concurrently")
	ErrRecordNotFound       = errors.New("billing: entitlement record not found")
	ErrPlanNotFound         = errors.New("billing: plan not found")
	ErrIllegalTransition    = errors.New("billing: illegal state transition")
	ErrInvariantViolation   = errors.New("billing: entitlement invariant violated")
	ErrNoSubscription       = errors.New("billing: account has no paid subscription")
	ErrAlreadySubscribed    = errors.New("billing: account already holds a different subscription")
	ErrCustomerRefImmutable = errors.New("billing: external customer reference cannot change")
	ErrInvalidAccountID     = errors.New("billing: account id is required")
	ErrInvalidCatalog       = errors.New("billing: invalid plan catalog")
	ErrLockTimeout          = errors.New("billing: could not acquire account lock")
)

// IsRetryable reports whether the caller should retry the whole operation.
// Retrying is safe because every processor call carries an idempotency token.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProcessorUnavailable) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}
