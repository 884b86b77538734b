package billing

import (
	"context"
	"fmt"
	"time"
)

// PGEventLog keeps processed event ids in Postgres.
type PGEventLog struct {
	db  DB
	ttl time.Duration
}

// NewPGEventLog returns a Postgres-backed event log. Ids older than ttl are
// pruned on write; a non-positive ttl keeps them forever.
func NewPGEventLog(db DB, ttl time.Duration) *PGEventLog {
	return &PGEventLog{db: db, ttl: ttl}
}

// Seen implements EventLog.
func (l *PGEventLog) Seen(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := l.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM billing_processed_events WHERE event_id = $1)`,
		eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return exists, nil
}

// Mark implements EventLog. Marking an id twice is not an error.
func (l *PGEventLog) Mark(ctx context.Context, eventID string) error {
	if _, err := l.db.Exec(ctx,
		`INSERT INTO billing_processed_events (event_id) VALUES ($1) ON CONFLICT DO NOTHING`,
		eventID,
	); err != nil {
		return fmt.Errorf("mark processed event: %w", err)
	}
	if l.ttl > 0 {
		if _, err := l.db.Exec(ctx,
			`DELETE FROM billing_processed_events WHERE processed_at < $1`,
			time.Now().Add(-l.ttl),
		); err != nil {
			return fmt.Errorf("prune processed events: %w", err)
		}
	}
	return nil
}
