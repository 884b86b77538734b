package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entry is a single audit record.
type Entry struct {
	ID              string         `json:"id"`
	AccountID       string         `json:"account_id"`
	EventType       string         `json:"event_type"`
	SubscriptionRef string         `json:"subscription_ref,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Validate checks required fields.
func (e Entry) Validate() error {
	if e.AccountID == "" {
		return fmt.Errorf("%w: account id is required", ErrEntryValidation)
	}
	if e.EventType == "" {
		return fmt.Errorf("%w: event type is required", ErrEntryValidation)
	}
	return nil
}

// EntryOption customises an entry built by NewEntry.
type EntryOption func(*Entry)

// WithSubscriptionRef sets the external subscription reference.
func WithSubscriptionRef(ref string) EntryOption {
	return func(e *Entry) { e.SubscriptionRef = ref }
}

// WithMetadata adds a metadata key. Empty keys are ignored.
func WithMetadata(key string, value any) EntryOption {
	return func(e *Entry) {
		if key == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]any)
		}
		e.Metadata[key] = value
	}
}

// WithTimestamp overrides the entry time.
func WithTimestamp(ts time.Time) EntryOption {
	return func(e *Entry) {
		if !ts.IsZero() {
			e.Timestamp = ts
		}
	}
}

// NewEntry builds an entry with a fresh id and the current UTC time.
func NewEntry(accountID, eventType string, opts ...EntryOption) Entry {
	e := Entry{
		ID:        uuid.NewString(),
		AccountID: accountID,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// Criteria filters entries for queries. Zero values mean "no filter".
type Criteria struct {
	AccountID  string
	EventTypes []string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// Storage persists audit entries.
type Storage interface {
	Append(ctx context.Context, entries ...Entry) error
	Query(ctx context.Context, criteria Criteria) ([]Entry, error)
}
