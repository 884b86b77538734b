package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/quantdrill/billing/pkg/audit"
	"github.com/quantdrill/billing/pkg/logger"
)

// AuditRecorder is a best-effort audit sink. *audit.Recorder satisfies it.
type AuditRecorder interface {
	Record(ctx context.Context, e audit.Entry)
}

// Service owns the entitlement records. Every write goes through the state
// machine under a per-account lock with a version check, and no processor
// call is ever made while the lock is held.
type Service struct {
	store    Store
	gateway  *Gateway
	catalog  *Catalog
	machine  *Machine
	locker   Locker
	recorder AuditRecorder
	reader   *audit.Reader
	notifier Notifier
	policy   Policy
	now      func() time.Time
	log      *slog.Logger
	retries  int
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithStore sets the record store. Defaults to a MemoryStore.
func WithStore(store Store) ServiceOption {
	return func(s *Service) {
		if store != nil {
			s.store = store
		}
	}
}

// WithLocker sets the per-account locker. Defaults to a KeyedMutex.
func WithLocker(l Locker) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.locker = l
		}
	}
}

// WithAuditRecorder sets the sink for audit entries that are not part of a
// record write. Defaults to appending synchronously to the store.
func WithAuditRecorder(r AuditRecorder) ServiceOption {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithNotifier sets the account holder notifier. Defaults to none.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithPolicy sets the payment failure ladder.
func WithPolicy(p Policy) ServiceOption {
	return func(s *Service) {
		s.policy = p
	}
}

// WithClock overrides the service clock.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithConflictRetries sets how many times a write is recomputed after a
// concurrent modification.
func WithConflictRetries(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.retries = n
		}
	}
}

// NewService builds the billing service. It panics if gateway or catalog is
// nil.
func NewService(gateway *Gateway, catalog *Catalog, opts ...ServiceOption) *Service {
	if gateway == nil || catalog == nil {
		panic("billing: service requires a gateway and a catalog")
	}
	s := &Service{
		gateway:  gateway,
		catalog:  catalog,
		machine:  NewMachine(),
		policy:   DefaultPolicy(),
		now:      time.Now,
		log:      slog.Default(),
		retries:  3,
		notifier: nopNotifier{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = NewMemoryStore()
	}
	if s.locker == nil {
		s.locker = NewKeyedMutex()
	}
	s.log = s.log.With(logger.Component("billing"))
	if s.recorder == nil {
		s.recorder = storeRecorder{store: s.store, log: s.log}
	}
	s.reader = audit.NewReader(s.store)
	return s
}

// Catalog returns the plan catalog.
func (s *Service) Catalog() *Catalog {
	return s.catalog
}

// Record returns the entitlement record, or the implicit none record for
// accounts that never subscribed.
func (s *Service) Record(ctx context.Context, accountID string) (Record, error) {
	if accountID == "" {
		return Record{}, ErrInvalidAccountID
	}
	return s.load(ctx, accountID)
}

// AuditTrail returns the most recent audit entries of an account, oldest
// first.
func (s *Service) AuditTrail(ctx context.Context, accountID string, limit int) ([]audit.Entry, error) {
	if accountID == "" {
		return nil, ErrInvalidAccountID
	}
	return s.reader.Find(ctx, audit.Criteria{AccountID: accountID, Limit: limit})
}

func (s *Service) load(ctx context.Context, accountID string) (Record, error) {
	rec, err := s.store.Get(ctx, accountID)
	if errors.Is(err, ErrRecordNotFound) {
		return NewRecord(accountID), nil
	}
	return rec, err
}

// mutateFunc computes the write for the current record. A nil mutation
// leaves the record untouched.
type mutateFunc func(cur Record) (*Mutation, error)

// mutate runs fn under the account lock and stores its result with a version
// check, recomputing on concurrent modification. It reports whether a write
// happened.
func (s *Service) mutate(ctx context.Context, accountID string, fn mutateFunc) (Record, bool, error) {
	for attempt := 1; ; attempt++ {
		rec, written, err := s.mutateOnce(ctx, accountID, fn)
		if errors.Is(err, ErrVersionConflict) && attempt < s.retries {
			s.log.DebugContext(ctx, "record changed concurrently, retrying",
				logger.AccountID(accountID), logger.Attempt(attempt))
			continue
		}
		return rec, written, err
	}
}

func (s *Service) mutateOnce(ctx context.Context, accountID string, fn mutateFunc) (Record, bool, error) {
	unlock, err := s.locker.Lock(ctx, accountID)
	if err != nil {
		return Record{}, false, err
	}
	defer unlock()

	cur, err := s.load(ctx, accountID)
	if err != nil {
		return Record{}, false, err
	}
	m, err := fn(cur)
	if err != nil || m == nil {
		return cur, false, err
	}
	m.Expected = cur.Version
	stored, err := s.store.Apply(ctx, *m)
	if err != nil {
		return cur, false, err
	}
	return stored, true, nil
}

// transit applies trigger to cur and returns the write it implies, or nil
// when the record already matches.
func (s *Service) transit(ctx context.Context, cur Record, trigger Trigger, in Input) (*Mutation, error) {
	if in.At.IsZero() {
		in.At = s.now().UTC()
	}
	tr, err := s.machine.Apply(ctx, cur, trigger, in)
	if err != nil {
		return nil, err
	}
	if !tr.Changed {
		return nil, nil
	}
	return &Mutation{Record: tr.After, Audit: []audit.Entry{transitionEntry(tr, in)}}, nil
}

func transitionEntry(tr Transition, in Input) audit.Entry {
	sub := tr.After.SubscriptionRef
	if sub == "" {
		sub = tr.Before.SubscriptionRef
	}
	opts := []audit.EntryOption{
		audit.WithSubscriptionRef(sub),
		audit.WithTimestamp(in.At),
		audit.WithMetadata("from", string(tr.From)),
		audit.WithMetadata("to", string(tr.To)),
	}
	if tr.After.PlanRef != "" {
		opts = append(opts, audit.WithMetadata("plan_ref", tr.After.PlanRef))
	}
	if tr.After.PaymentFailureCount != tr.Before.PaymentFailureCount {
		opts = append(opts, audit.WithMetadata("payment_failure_count", tr.After.PaymentFailureCount))
	}
	if in.Reason != "" {
		opts = append(opts, audit.WithMetadata("reason", in.Reason))
	}
	return audit.NewEntry(tr.After.AccountID, "subscription."+string(tr.Trigger), opts...)
}

func (s *Service) record(ctx context.Context, accountID, eventType, subscriptionRef string, meta map[string]any) {
	if accountID == "" {
		return
	}
	opts := []audit.EntryOption{
		audit.WithSubscriptionRef(subscriptionRef),
		audit.WithTimestamp(s.now().UTC()),
	}
	for k, v := range meta {
		opts = append(opts, audit.WithMetadata(k, v))
	}
	s.recorder.Record(ctx, audit.NewEntry(accountID, eventType, opts...))
}

func (s *Service) notify(ctx context.Context, n Notice) {
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.log.WarnContext(ctx, "failed to queue notice",
			logger.AccountID(n.AccountID), slog.String("kind", string(n.Kind)), logger.Error(err))
		return
	}
	s.record(ctx, n.AccountID, "notification."+string(n.Kind), "", map[string]any{
		"payment_failure_count": n.FailureCount,
	})
}

func (s *Service) planName(ref string) string {
	if p, err := s.catalog.Plan(ref); err == nil {
		return p.Name
	}
	return ref
}

type storeRecorder struct {
	store audit.Storage
	log   *slog.Logger
}

func (r storeRecorder) Record(ctx context.Context, e audit.Entry) {
	if err := r.store.Append(ctx, e); err != nil {
		r.log.WarnContext(ctx, "failed to append audit entry",
			logger.AccountID(e.AccountID), logger.EventType(e.EventType), logger.Error(err))
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notice) error { return nil }
