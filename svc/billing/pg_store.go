package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/quantdrill/billing/pkg/audit"
	"github.com/quantdrill/billing/pkg/logger"
	"github.com/quantdrill/billing/pkg/pg"
)

// DB is the subset of *pgxpool.Pool the Postgres store uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore keeps records, failure keys and the audit trail in Postgres.
type PGStore struct {
	db  DB
	log *slog.Logger
}

// NewPGStore returns a Postgres-backed Store.
func NewPGStore(db DB, log *slog.Logger) *PGStore {
	if log == nil {
		log = slog.Default()
	}
	return &PGStore{db: db, log: log.With(logger.Component("billing.pgstore"))}
}

const recordColumns = `account_id, customer_ref, subscription_ref, plan_ref, status,
	current_period_end, payment_failure_count, cancellation, last_event_at,
	version, created_at, updated_at`

// Get implements Store.
func (s *PGStore) Get(ctx context.Context, accountID string) (Record, error) {
	return s.queryRecord(ctx, `SELECT `+recordColumns+` FROM billing_entitlements WHERE account_id = $1`, accountID)
}

// FindByCustomerRef implements Store.
func (s *PGStore) FindByCustomerRef(ctx context.Context, customerRef string) (Record, error) {
	if customerRef == "" {
		return Record{}, ErrRecordNotFound
	}
	return s.queryRecord(ctx, `SELECT `+recordColumns+` FROM billing_entitlements WHERE customer_ref = $1`, customerRef)
}

// FindBySubscriptionRef implements Store.
func (s *PGStore) FindBySubscriptionRef(ctx context.Context, subscriptionRef string) (Record, error) {
	if subscriptionRef == "" {
		return Record{}, ErrRecordNotFound
	}
	return s.queryRecord(ctx, `SELECT `+recordColumns+` FROM billing_entitlements WHERE subscription_ref = $1 LIMIT 1`, subscriptionRef)
}

// HasFailureKey implements Store.
func (s *PGStore) HasFailureKey(ctx context.Context, accountID, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM billing_payment_failures WHERE account_id = $1 AND failure_key = $2)`,
		accountID, key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check failure key: %w", err)
	}
	return exists, nil
}

// Apply implements Store. The record and failure key commit in one transaction.
func (s *PGStore) Apply(ctx context.Context, m Mutation) (Record, error) {
	rec := m.Record.Clone()
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	cancellation, err := marshalCancellation(rec.Cancellation)
	if err != nil {
		return Record{}, err
	}

	err = pg.InTx(ctx, s.db, func(tx pgx.Tx) error {
		if m.FailureKey != "" {
			tag, err := tx.Exec(ctx,
				`INSERT INTO billing_payment_failures (account_id, failure_key) VALUES ($1, $2)
				 ON CONFLICT DO NOTHING`,
				rec.AccountID, m.FailureKey,
			)
			if err != nil {
				return fmt.Errorf("store failure key: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return ErrDuplicateEvent
			}
		}

		args := []any{
			rec.AccountID, nullable(rec.CustomerRef), nullable(rec.SubscriptionRef), nullable(rec.PlanRef),
			string(rec.Status), nullableTime(rec.CurrentPeriodEnd), rec.PaymentFailureCount,
			cancellation, nullableTime(rec.LastEventAt), m.Expected + 1,
		}
		var row pgx.Row
		if m.Expected == 0 {
			row = tx.QueryRow(ctx,
				`INSERT INTO billing_entitlements (
					account_id, customer_ref, subscription_ref, plan_ref, status,
					current_period_end, payment_failure_count, cancellation, last_event_at, version
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				RETURNING created_at, updated_at`,
				args...,
			)
		} else {
			row = tx.QueryRow(ctx,
				`UPDATE billing_entitlements SET
					customer_ref = $2, subscription_ref = $3, plan_ref = $4, status = $5,
					current_period_end = $6, payment_failure_count = $7, cancellation = $8,
					last_event_at = $9, version = $10, updated_at = NOW()
				WHERE account_id = $1 AND version = $11
				RETURNING created_at, updated_at`,
				append(args, m.Expected)...,
			)
		}
		if err := row.Scan(&rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return mapWriteError(err)
		}
		rec.Version = m.Expected + 1

		if len(m.Audit) > 0 {
			// A savepoint keeps a failed audit insert from aborting the write.
			if err := pg.InTx(ctx, tx, func(sp pgx.Tx) error {
				return insertAudit(ctx, sp, m.Audit)
			}); err != nil {
				s.log.WarnContext(ctx, "failed to append audit entries",
					logger.AccountID(rec.AccountID), logger.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Append implements audit.Storage.
func (s *PGStore) Append(ctx context.Context, entries ...audit.Entry) error {
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	return pg.InTx(ctx, s.db, func(tx pgx.Tx) error {
		return insertAudit(ctx, tx, entries)
	})
}

// Query implements audit.Storage.
func (s *PGStore) Query(ctx context.Context, c audit.Criteria) ([]audit.Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if c.AccountID != "" {
		add("account_id = $%d", c.AccountID)
	}
	if len(c.EventTypes) > 0 {
		add("event_type = ANY($%d)", c.EventTypes)
	}
	if !c.Since.IsZero() {
		add("occurred_at >= $%d", c.Since)
	}
	if !c.Until.IsZero() {
		add("occurred_at < $%d", c.Until)
	}

	q := `SELECT id, account_id, event_type, subscription_ref, occurred_at, metadata FROM billing_audit_log`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY occurred_at DESC, id DESC`
	if c.Limit > 0 {
		args = append(args, c.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanAuditEntry)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	// newest first from the query, oldest first to the caller
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (s *PGStore) queryRecord(ctx context.Context, q string, args ...any) (Record, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return Record{}, fmt.Errorf("query entitlement: %w", err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	switch {
	case pg.IsNotFoundError(err):
		return Record{}, ErrRecordNotFound
	case err != nil:
		return Record{}, fmt.Errorf("query entitlement: %w", err)
	}
	return rec, nil
}

func scanRecord(row pgx.CollectableRow) (Record, error) {
	var (
		rec                         Record
		customer, sub, plan, status *string
		periodEnd, lastEvent        *time.Time
		cancellation                []byte
	)
	err := row.Scan(
		&rec.AccountID, &customer, &sub, &plan, &status,
		&periodEnd, &rec.PaymentFailureCount, &cancellation, &lastEvent,
		&rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	rec.CustomerRef = deref(customer)
	rec.SubscriptionRef = deref(sub)
	rec.PlanRef = deref(plan)
	rec.Status = Status(deref(status))
	if periodEnd != nil {
		rec.CurrentPeriodEnd = periodEnd.UTC()
	}
	if lastEvent != nil {
		rec.LastEventAt = lastEvent.UTC()
	}
	if len(cancellation) > 0 {
		rec.Cancellation = &Cancellation{}
		if err := json.Unmarshal(cancellation, rec.Cancellation); err != nil {
			return Record{}, fmt.Errorf("decode cancellation: %w", err)
		}
	}
	return rec, nil
}

func scanAuditEntry(row pgx.CollectableRow) (audit.Entry, error) {
	var (
		e    audit.Entry
		sub  *string
		meta []byte
	)
	if err := row.Scan(&e.ID, &e.AccountID, &e.EventType, &sub, &e.Timestamp, &meta); err != nil {
		return audit.Entry{}, err
	}
	e.SubscriptionRef = deref(sub)
	e.Timestamp = e.Timestamp.UTC()
	if len(meta) > 0 && string(meta) != "{}" {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return audit.Entry{}, fmt.Errorf("decode audit metadata: %w", err)
		}
	}
	return e, nil
}

func insertAudit(ctx context.Context, tx pgx.Tx, entries []audit.Entry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		meta := e.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		raw, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
		batch.Queue(
			`INSERT INTO billing_audit_log (id, account_id, event_type, subscription_ref, occurred_at, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ID, e.AccountID, e.EventType, nullable(e.SubscriptionRef), e.Timestamp, raw,
		)
	}
	return tx.SendBatch(ctx, batch).Close()
}

func mapWriteError(err error) error {
	switch {
	case pg.IsNotFoundError(err):
		return ErrVersionConflict
	case pg.IsDuplicateKeyError(err) && pg.ConstraintName(err) == "billing_entitlements_customer_ref_key":
		return fmt.Errorf("%w: customer ref bound to another account", ErrInvariantViolation)
	case pg.IsDuplicateKeyError(err), pg.IsSerializationError(err):
		return ErrVersionConflict
	}
	return fmt.Errorf("write entitlement: %w", err)
}

// marshalCancellation returns an untyped nil for a missing cancellation so
// it is stored as NULL.
func marshalCancellation(c *Cancellation) (any, error) {
	if c == nil {
		return nil, nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode cancellation: %w", err)
	}
	return raw, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ Store = (*PGStore)(nil)
