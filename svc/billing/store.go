package billing

import (
	"context"

	"github.com/quantdrill/billing/pkg/audit"
)

// Mutation is a compare-and-swap write of one entitlement record.
type Mutation struct {
	// Expected is the version the caller read. Zero means the record must not
	// exist yet.
	Expected int64
	Record   Record
	// FailureKey, when set, is stored with the record in the same write.
	// A key that was already stored fails the write with ErrDuplicateEvent.
	FailureKey string
	// Audit entries are appended in the same write. A failure to append them
	// is logged and never fails the mutation.
	Audit []audit.Entry
}

// Store persists entitlement records and their audit trail. Implementations
// must make Apply atomic: either the record, its new version and the failure
// key are all written or none are.
type Store interface {
	// Get returns ErrRecordNotFound for accounts that never had a record.
	Get(ctx context.Context, accountID string) (Record, error)
	// FindByCustomerRef resolves an external customer to its account.
	FindByCustomerRef(ctx context.Context, customerRef string) (Record, error)
	// FindBySubscriptionRef resolves an external subscription to its account.
	FindBySubscriptionRef(ctx context.Context, subscriptionRef string) (Record, error)
	// HasFailureKey reports whether a payment failure was already counted.
	HasFailureKey(ctx context.Context, accountID, key string) (bool, error)
	// Apply writes m.Record with version m.Expected+1 and returns the stored
	// record. A version mismatch returns ErrVersionConflict.
	Apply(ctx context.Context, m Mutation) (Record, error)

	audit.Storage
}
