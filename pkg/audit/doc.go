// Package audit records an append-only trail of billing state changes.
//
// An Entry captures which account, what happened (the event type), which
// external subscription, when, and free-form metadata. Entries are never
// updated or deleted.
//
// # Architecture
//
//   - Entry is the immutable record built with NewEntry and EntryOptions
//   - Storage persists entries and answers Criteria queries
//   - Recorder is a best-effort asynchronous sink in front of a Storage
//   - Reader exposes time-ordered queries for support tooling and tests
//
// Entries that describe a state change are written by the caller in the same
// transaction as the change itself. Everything else, such as ignored webhook
// events or transitions the local record rejects, goes through Recorder:
//
//	caller ──Record──► buffer ──batch──► Storage.Append
//	                     │
//	                     └─ full or closed: drop and log
//
// MemoryStorage implements Storage for tests and development. Production
// storage lives next to the data it audits.
//
// # Usage
//
//	storage := audit.NewMemoryStorage()
//	rec := audit.NewRecorder(storage,
//		audit.WithRecorderLogger(log),
//		audit.WithRecorderOptions(audit.RecorderOptions{
//			BufferSize:   1000,
//			BatchSize:    100,
//			BatchTimeout: 100 * time.Millisecond,
//		}),
//	)
//	defer rec.Close(ctx)
//
//	rec.Record(ctx, audit.NewEntry("acct_42", "webhook.ignored",
//		audit.WithSubscriptionRef("sub_123"),
//		audit.WithMetadata("event_type", ev.Type),
//	))
//
// Querying:
//
//	reader := audit.NewReader(storage)
//	entries, err := reader.Find(ctx, audit.Criteria{
//		AccountID:  "acct_42",
//		EventTypes: []string{"subscription.force_downgrade"},
//		Since:      time.Now().Add(-24 * time.Hour),
//		Limit:      50,
//	})
//
// Zero Criteria fields do not filter. Since is inclusive and Until is
// exclusive. Results are ordered by timestamp, oldest first; with a Limit
// the most recent entries are kept.
//
// # Delivery Guarantees
//
// Record never blocks the caller and never returns an error. When the buffer
// is full, the recorder is closed, the entry is invalid, or Append fails, the
// entry is dropped and the failure is logged. Close flushes what is buffered
// and gives up when ctx is done. A second Close returns ErrRecorderClosed.
//
// # Error Handling
//
// Entry.Validate wraps ErrEntryValidation when the account id or event type
// is missing. Check with errors.Is.
package audit
