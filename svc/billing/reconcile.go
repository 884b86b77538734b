package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantdrill/billing/pkg/audit"
	"github.com/quantdrill/billing/pkg/logger"
)

// Outcome describes what handling an event did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeNoop      Outcome = "noop"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
)

// errIgnore aborts a mutation for an event that must not touch the record.
var errIgnore = errors.New("billing: event ignored")

// HandleEvent reconciles the record with a verified processor event. Every
// transition is a level-set, so applying the same event twice is a no-op,
// except payment failures which are deduplicated by invoice and attempt.
// Events that cannot be matched to an account are acknowledged and ignored.
func (s *Service) HandleEvent(ctx context.Context, ev Event) (Outcome, error) {
	log := s.log.With(logger.EventID(ev.ID), logger.EventType(ev.Type))

	if ev.Kind == EventUnhandled {
		log.DebugContext(ctx, "unhandled event type")
		return OutcomeIgnored, nil
	}

	accountID, err := s.resolveAccount(ctx, ev)
	if errors.Is(err, ErrUnknownReference) {
		log.InfoContext(ctx, "event references no known account",
			logger.CustomerRef(ev.CustomerRef), logger.SubscriptionRef(ev.SubscriptionRef))
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}
	log = log.With(logger.AccountID(accountID))

	var outcome Outcome
	switch ev.Kind {
	case EventCheckoutCompleted:
		outcome, err = s.onCheckoutCompleted(ctx, accountID, ev)
	case EventSubscriptionChanged:
		outcome, err = s.onSubscriptionChanged(ctx, accountID, ev)
	case EventSubscriptionDeleted:
		outcome, err = s.onSubscriptionDeleted(ctx, accountID, ev)
	case EventPaymentSucceeded:
		outcome, err = s.onPaymentSucceeded(ctx, accountID, ev)
	case EventPaymentFailed:
		outcome, err = s.onPaymentFailed(ctx, accountID, ev, log)
	default:
		return OutcomeIgnored, nil
	}

	switch {
	case errors.Is(err, errIgnore):
		log.InfoContext(ctx, "event does not apply to the current subscription",
			logger.SubscriptionRef(ev.SubscriptionRef))
		s.record(ctx, accountID, "webhook.ignored", ev.SubscriptionRef, map[string]any{
			"event_id":   ev.ID,
			"event_type": ev.Type,
		})
		return OutcomeIgnored, nil
	case errors.Is(err, ErrIllegalTransition),
		errors.Is(err, ErrCustomerRefImmutable),
		errors.Is(err, ErrInvariantViolation):
		// redelivery cannot change the outcome, so the event is acked
		log.WarnContext(ctx, "event contradicts the local record", logger.Error(err))
		s.record(ctx, accountID, "webhook.rejected_transition", ev.SubscriptionRef, map[string]any{
			"event_id":   ev.ID,
			"event_type": ev.Type,
			"error":      err.Error(),
		})
		return OutcomeIgnored, nil
	case err != nil:
		log.ErrorContext(ctx, "failed to apply event", logger.Error(err))
		return "", err
	}
	log.DebugContext(ctx, "event handled", slog.String("outcome", string(outcome)))
	return outcome, nil
}

// resolveAccount finds the account an event belongs to: by customer first,
// then by subscription, then by the account id echoed back in metadata. The
// metadata id is trusted only when it does not contradict a bound customer.
func (s *Service) resolveAccount(ctx context.Context, ev Event) (string, error) {
	if rec, err := s.store.FindByCustomerRef(ctx, ev.CustomerRef); err == nil {
		return rec.AccountID, nil
	} else if !errors.Is(err, ErrRecordNotFound) {
		return "", err
	}
	if rec, err := s.store.FindBySubscriptionRef(ctx, ev.SubscriptionRef); err == nil {
		return rec.AccountID, nil
	} else if !errors.Is(err, ErrRecordNotFound) {
		return "", err
	}
	if ev.AccountID == "" {
		return "", ErrUnknownReference
	}

	rec, err := s.store.Get(ctx, ev.AccountID)
	switch {
	case errors.Is(err, ErrRecordNotFound):
		// Only checkout may bring a new account into existence.
		if ev.Kind == EventCheckoutCompleted {
			return ev.AccountID, nil
		}
		return "", ErrUnknownReference
	case err != nil:
		return "", err
	case rec.CustomerRef != "" && ev.CustomerRef != "" && rec.CustomerRef != ev.CustomerRef:
		return "", ErrUnknownReference
	}
	return rec.AccountID, nil
}

// foreign reports whether the event is about a subscription other than the
// one the record holds.
func foreign(cur Record, ev Event) bool {
	return cur.SubscriptionRef != "" && ev.SubscriptionRef != "" && cur.SubscriptionRef != ev.SubscriptionRef
}

// stale reports whether a newer event was already applied.
func stale(cur Record, ev Event) bool {
	return !ev.CreatedAt.IsZero() && ev.CreatedAt.Before(cur.LastEventAt)
}

func (s *Service) planRefFor(cur Record, ev Event) string {
	if ev.PriceRef != "" {
		if p, err := s.catalog.PlanByPriceRef(ev.PriceRef); err == nil {
			return p.Ref
		}
	}
	if ev.PlanRef != "" {
		if p, err := s.catalog.Plan(ev.PlanRef); err == nil {
			return p.Ref
		}
	}
	if cur.SubscriptionRef == ev.SubscriptionRef {
		return cur.PlanRef
	}
	return ""
}

// applyEvent transits cur and stamps the event time. A stamp alone is still
// written so later events are compared against it.
func (s *Service) applyEvent(ctx context.Context, cur Record, ev Event, trigger Trigger, in Input) (*Mutation, error) {
	if stale(cur, ev) {
		return nil, nil
	}
	m, err := s.transit(ctx, cur, trigger, in)
	if err != nil {
		return nil, err
	}
	if ev.CreatedAt.IsZero() || !ev.CreatedAt.After(cur.LastEventAt) {
		return m, nil
	}
	if m == nil {
		m = &Mutation{Record: cur.Clone()}
	}
	m.Record.LastEventAt = ev.CreatedAt.UTC()
	return m, nil
}

func (s *Service) eventOutcome(written bool, err error) (Outcome, error) {
	switch {
	case err != nil:
		return "", err
	case written:
		return OutcomeApplied, nil
	}
	return OutcomeNoop, nil
}

func (s *Service) onCheckoutCompleted(ctx context.Context, accountID string, ev Event) (Outcome, error) {
	_, written, err := s.mutate(ctx, accountID, func(cur Record) (*Mutation, error) {
		if foreign(cur, ev) && cur.Status.IsPaid() {
			return nil, errIgnore
		}
		planRef := s.planRefFor(cur, ev)
		if planRef == "" {
			return nil, fmt.Errorf("%w: cannot resolve plan for checkout", ErrPlanNotFound)
		}
		return s.applyEvent(ctx, cur, ev, TriggerActivate, Input{
			CustomerRef:     ev.CustomerRef,
			SubscriptionRef: ev.SubscriptionRef,
			PlanRef:         planRef,
			PeriodEnd:       ev.PeriodEnd,
		})
	})
	if errors.Is(err, ErrPlanNotFound) {
		return "", fmt.Errorf("%w: %w", errIgnore, err)
	}
	return s.eventOutcome(written, err)
}

func (s *Service) onSubscriptionChanged(ctx context.Context, accountID string, ev Event) (Outcome, error) {
	target, ok := TargetStatus(ev.ExternalStatus, ev.CancelAtPeriodEnd)
	if !ok {
		return OutcomeIgnored, nil
	}
	_, written, err := s.mutate(ctx, accountID, func(cur Record) (*Mutation, error) {
		switch {
		case foreign(cur, ev):
			return nil, errIgnore
		case cur.SubscriptionRef == "" && !target.HoldsSubscription():
			return nil, nil
		}
		in := Input{
			CustomerRef: ev.CustomerRef,
			PeriodEnd:   ev.PeriodEnd,
			Target:      target,
			Reason:      "processor",
		}
		if target.HoldsSubscription() {
			in.SubscriptionRef = ev.SubscriptionRef
			if in.PlanRef = s.planRefFor(cur, ev); in.PlanRef == "" {
				return nil, errIgnore
			}
		}
		return s.applyEvent(ctx, cur, ev, TriggerSync, in)
	})
	return s.eventOutcome(written, err)
}

func (s *Service) onSubscriptionDeleted(ctx context.Context, accountID string, ev Event) (Outcome, error) {
	_, written, err := s.mutate(ctx, accountID, func(cur Record) (*Mutation, error) {
		switch {
		case foreign(cur, ev):
			return nil, errIgnore
		case !cur.Status.HoldsSubscription():
			return nil, nil
		}
		// Termination is final regardless of event order.
		m, err := s.transit(ctx, cur, TriggerTerminate, Input{At: s.eventTime(ev), Reason: "processor"})
		if err != nil || m == nil {
			return m, err
		}
		m.Record.LastEventAt = laterOf(cur.LastEventAt, ev.CreatedAt.UTC())
		return m, nil
	})
	return s.eventOutcome(written, err)
}

func (s *Service) onPaymentSucceeded(ctx context.Context, accountID string, ev Event) (Outcome, error) {
	_, written, err := s.mutate(ctx, accountID, func(cur Record) (*Mutation, error) {
		if foreign(cur, ev) || !cur.Status.HoldsSubscription() {
			return nil, errIgnore
		}
		return s.applyEvent(ctx, cur, ev, TriggerPaymentSucceeded, Input{PeriodEnd: ev.PeriodEnd})
	})
	return s.eventOutcome(written, err)
}

// onPaymentFailed runs the recovery ladder. The failure is counted under the
// account lock together with its dedup key; the immediate cancel for a forced
// downgrade is issued after the lock is released.
func (s *Service) onPaymentFailed(ctx context.Context, accountID string, ev Event, log *slog.Logger) (Outcome, error) {
	failure := ev.Failure()
	var (
		decision Decision
		pending  bool
	)
	rec, written, err := s.mutate(ctx, accountID, func(cur Record) (*Mutation, error) {
		decision, pending = Decision{}, false
		if foreign(cur, ev) || !cur.Status.IsPaid() {
			return nil, errIgnore
		}
		dup, err := s.store.HasFailureKey(ctx, cur.AccountID, failure.Key())
		if err != nil {
			return nil, err
		}
		if dup {
			pending = s.policy.Pending(cur.PaymentFailureCount)
			return nil, nil
		}

		entry := func(eventType string, meta map[string]any) audit.Entry {
			opts := []audit.EntryOption{
				audit.WithSubscriptionRef(cur.SubscriptionRef),
				audit.WithTimestamp(s.eventTime(ev)),
				audit.WithMetadata("invoice_ref", failure.InvoiceRef),
				audit.WithMetadata("attempt_count", failure.AttemptCount),
			}
			for k, v := range meta {
				opts = append(opts, audit.WithMetadata(k, v))
			}
			return audit.NewEntry(cur.AccountID, eventType, opts...)
		}

		if stale(cur, ev) {
			// remembered so a redelivery stays a duplicate, never counted
			return &Mutation{
				Record:     cur.Clone(),
				FailureKey: failure.Key(),
				Audit:      []audit.Entry{entry("payment.failure_stale", nil)},
			}, nil
		}

		decision = s.policy.Decide(cur.PaymentFailureCount, failure)
		m, err := s.transit(ctx, cur, TriggerPaymentFailed, Input{FailureCount: decision.FailureCount})
		if err != nil {
			return nil, err
		}
		if m == nil {
			m = &Mutation{Record: cur.Clone()}
		}
		m.FailureKey = failure.Key()
		// older snapshots must not level-set over a counted failure
		m.Record.LastEventAt = laterOf(cur.LastEventAt, s.eventTime(ev))
		m.Audit = append(m.Audit, entry("payment.failed", map[string]any{
			"payment_failure_count": decision.FailureCount,
			"action":                string(decision.Action),
		}))
		return m, nil
	})
	if errors.Is(err, ErrDuplicateEvent) {
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", err
	}

	switch {
	case pending && rec.SubscriptionRef == ev.SubscriptionRef:
		log.InfoContext(ctx, "resuming forced downgrade", logger.Attempt(rec.PaymentFailureCount))
		return s.forceDowngrade(ctx, rec)
	case !written:
		return OutcomeDuplicate, nil
	case decision.Action == "":
		// an older failure, recorded but not counted
		return OutcomeNoop, nil
	}

	log.InfoContext(ctx, "payment failure recorded",
		logger.Attempt(decision.FailureCount), slog.String("action", string(decision.Action)))

	switch decision.Action {
	case ActionNotifyHolder:
		s.notify(ctx, Notice{
			Kind:         NoticePaymentFailed,
			AccountID:    rec.AccountID,
			CustomerRef:  rec.CustomerRef,
			PlanName:     s.planName(rec.PlanRef),
			FailureCount: rec.PaymentFailureCount,
			PeriodEnd:    rec.CurrentPeriodEnd,
		})
	case ActionForceDowngrade:
		return s.forceDowngrade(ctx, rec)
	}
	return OutcomeApplied, nil
}

// forceDowngrade cancels the subscription immediately at the processor and
// then moves the record to canceled, ignoring the remaining period. A failed
// processor call is returned so the event is redelivered and the downgrade
// resumed.
func (s *Service) forceDowngrade(ctx context.Context, rec Record) (Outcome, error) {
	sub := rec.SubscriptionRef
	_, err := s.gateway.Perform(ctx, rec.AccountID, OpCancelImmediately, Params{
		SubscriptionRef: sub,
		Reason:          "payment_failed",
	})
	switch {
	case errors.Is(err, ErrProcessorRejected):
		// typically already canceled at the processor
		s.log.WarnContext(ctx, "processor rejected immediate cancel, downgrading locally",
			logger.AccountID(rec.AccountID), logger.SubscriptionRef(sub), logger.Error(err))
	case err != nil:
		return "", fmt.Errorf("force downgrade: %w", err)
	}

	stored, written, err := s.mutate(ctx, rec.AccountID, func(cur Record) (*Mutation, error) {
		if cur.SubscriptionRef != sub || !cur.Status.IsPaid() {
			return nil, nil
		}
		now := s.now().UTC()
		m, err := s.transit(ctx, cur, TriggerForceDowngrade, Input{At: now, Reason: "payment_failed"})
		if err != nil || m == nil {
			return m, err
		}
		m.Record.LastEventAt = laterOf(cur.LastEventAt, now)
		return m, nil
	})
	if err != nil {
		return "", err
	}
	if !written {
		return OutcomeNoop, nil
	}

	s.log.InfoContext(ctx, "subscription downgraded after repeated payment failures",
		logger.AccountID(stored.AccountID), logger.SubscriptionRef(sub))
	s.notify(ctx, Notice{
		Kind:         NoticeDowngraded,
		AccountID:    stored.AccountID,
		CustomerRef:  stored.CustomerRef,
		PlanName:     s.planName(rec.PlanRef),
		FailureCount: rec.PaymentFailureCount,
	})
	return OutcomeApplied, nil
}

func (s *Service) eventTime(ev Event) time.Time {
	if ev.CreatedAt.IsZero() {
		return s.now().UTC()
	}
	return ev.CreatedAt.UTC()
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
