package billing

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/quantdrill/billing/pkg/statemachine"
)

// Trigger names a cause of a state transition.
type Trigger string

const (
	TriggerAttachCustomer   Trigger = "attach_customer"
	TriggerSubscribe        Trigger = "subscribe"
	TriggerActivate         Trigger = "activate"
	TriggerAbandon          Trigger = "abandon"
	TriggerPaymentFailed    Trigger = "payment_failed"
	TriggerPaymentSucceeded Trigger = "payment_succeeded"
	TriggerRequestCancel    Trigger = "request_cancel"
	TriggerRescindCancel    Trigger = "rescind_cancel"
	TriggerChangePlan       Trigger = "change_plan"
	TriggerTerminate        Trigger = "terminate"
	TriggerForceDowngrade   Trigger = "force_downgrade"
	TriggerSync             Trigger = "sync"
)

// Input carries the facts a transition applies. Zero fields are ignored
// unless the transition clears them.
type Input struct {
	At              time.Time
	CustomerRef     string
	SubscriptionRef string
	PlanRef         string
	PeriodEnd       time.Time
	FailureCount    int
	Reason          string
	// Target is the status a sync transition level-sets to.
	Target Status
}

// Transition is the outcome of applying a trigger to a record.
type Transition struct {
	Trigger Trigger
	From    Status
	To      Status
	Before  Record
	After   Record
	// Changed is false when the record already matched the target.
	Changed bool
}

type change struct {
	rec *Record
	in  Input
}

type (
	guardFn  = statemachine.Guard[Status, Trigger, *change]
	actionFn = statemachine.Action[Status, Trigger, *change]
	optFn    = statemachine.Option[Status, Trigger, *change]
)

// Machine holds the legal transitions of an entitlement record. It is pure:
// Apply never performs I/O and never mutates its argument.
type Machine struct {
	table *statemachine.Table[Status, Trigger, *change]
}

var (
	paidStatuses    = []Status{StatusTrialing, StatusActive, StatusPastDue, StatusCanceling}
	holdingStatuses = []Status{StatusIncomplete, StatusTrialing, StatusActive, StatusPastDue, StatusCanceling}
)

// NewMachine returns the subscription state machine.
func NewMachine() *Machine {
	opts := []optFn{
		from([]Status{StatusNone, StatusCanceled, StatusIncomplete}, StatusIncomplete, TriggerSubscribe, bindSubscription, clearCancellation),
		from([]Status{StatusNone, StatusIncomplete, StatusPastDue, StatusCanceled, StatusTrialing, StatusActive}, StatusActive, TriggerActivate, bindSubscription, setPeriodEnd, clearCancellation, resetFailures),
		from([]Status{StatusIncomplete}, StatusNone, TriggerAbandon, unbindSubscription, clearCancellation),
		from([]Status{StatusActive, StatusTrialing, StatusPastDue}, StatusPastDue, TriggerPaymentFailed, setFailureCount),
		from([]Status{StatusCanceling}, StatusCanceling, TriggerPaymentFailed, setFailureCount),
		from([]Status{StatusIncomplete, StatusPastDue, StatusActive}, StatusActive, TriggerPaymentSucceeded, setPeriodEnd, resetFailures),
		from([]Status{StatusTrialing}, StatusTrialing, TriggerPaymentSucceeded, setPeriodEnd, resetFailures),
		from([]Status{StatusCanceling}, StatusCanceling, TriggerPaymentSucceeded, setPeriodEnd, resetFailures),
		from([]Status{StatusActive, StatusTrialing, StatusPastDue}, StatusCanceling, TriggerRequestCancel, setPeriodEnd, openCancellation),
		from([]Status{StatusCanceling}, StatusActive, TriggerRescindCancel, setPeriodEnd, clearCancellation),
		from([]Status{StatusIncomplete}, StatusNone, TriggerTerminate, unbindSubscription, clearCancellation),
		from(paidStatuses, StatusCanceled, TriggerTerminate, unbindSubscription, resetFailures, completeCancellation),
		from(paidStatuses, StatusCanceled, TriggerForceDowngrade, unbindSubscription, resetFailures, completeCancellation),
	}

	for _, s := range AllStatuses {
		opts = append(opts, from([]Status{s}, s, TriggerAttachCustomer, setCustomer))
		// sync may move any state to any state: the processor is the source of truth
		for _, target := range AllStatuses {
			opts = append(opts, statemachine.WithTransition(s, target, TriggerSync,
				statemachine.WithGuard(targetIs(target)),
				statemachine.WithAction(syncFields(target)...),
			))
		}
	}
	for _, s := range paidStatuses {
		opts = append(opts, from([]Status{s}, s, TriggerChangePlan, setPlan))
	}

	return &Machine{table: statemachine.MustNew(opts...)}
}

func from(src []Status, to Status, trigger Trigger, actions ...actionFn) optFn {
	return statemachine.WithTransitionFrom(src, to, trigger, statemachine.WithAction(actions...))
}

// Apply computes the record that results from trigger. It rejects transitions
// the table does not define and results that break record invariants.
func (m *Machine) Apply(ctx context.Context, cur Record, trigger Trigger, in Input) (Transition, error) {
	draft := cur.Clone()
	next, err := m.table.Fire(ctx, cur.Status, trigger, &change{rec: &draft, in: in})
	if err != nil {
		if statemachine.IsNoTransitionAvailableError(err) || statemachine.IsTransitionRejectedError(err) {
			return Transition{}, fmt.Errorf("%w: %s from %s", ErrIllegalTransition, trigger, cur.Status)
		}
		return Transition{}, err
	}
	draft.Status = next

	if cur.CustomerRef != "" && draft.CustomerRef != cur.CustomerRef {
		return Transition{}, ErrCustomerRefImmutable
	}
	if err := checkFailureCount(cur, draft, trigger); err != nil {
		return Transition{}, err
	}
	if err := draft.Validate(); err != nil {
		return Transition{}, err
	}

	return Transition{
		Trigger: trigger,
		From:    cur.Status,
		To:      next,
		Before:  cur,
		After:   draft,
		Changed: !draft.sameState(cur),
	}, nil
}

// CanApply reports whether trigger is defined for the record's status.
func (m *Machine) CanApply(rec Record, trigger Trigger) bool {
	return slices.Contains(m.table.Triggers(rec.Status), trigger)
}

// checkFailureCount enforces that the counter rises only on payment failures
// and drops only on success or cancellation.
func checkFailureCount(cur, next Record, trigger Trigger) error {
	switch {
	case next.PaymentFailureCount > cur.PaymentFailureCount && trigger != TriggerPaymentFailed:
		return fmt.Errorf("%w: failure count raised by %s", ErrInvariantViolation, trigger)
	case next.PaymentFailureCount < cur.PaymentFailureCount && !resetsFailures(trigger, next.Status):
		return fmt.Errorf("%w: failure count reset by %s", ErrInvariantViolation, trigger)
	}
	return nil
}

func resetsFailures(trigger Trigger, to Status) bool {
	switch trigger {
	case TriggerPaymentSucceeded, TriggerActivate, TriggerTerminate, TriggerForceDowngrade:
		return true
	case TriggerSync:
		return to == StatusActive || to == StatusTrialing || to == StatusCanceled || to == StatusNone
	}
	return false
}

func targetIs(target Status) guardFn {
	return func(_ context.Context, _ Status, _ Trigger, c *change) bool {
		return c.in.Target == target
	}
}

func syncFields(target Status) []actionFn {
	switch target {
	case StatusNone:
		return []actionFn{setCustomer, unbindSubscription, clearCancellation, resetFailures}
	case StatusCanceled:
		return []actionFn{setCustomer, unbindSubscription, resetFailures, completeCancellation}
	case StatusCanceling:
		return []actionFn{bindSubscription, setPeriodEnd, openCancellation}
	case StatusPastDue:
		return []actionFn{bindSubscription, setPeriodEnd, clearCancellation}
	case StatusIncomplete:
		return []actionFn{bindSubscription, clearCancellation}
	default:
		return []actionFn{bindSubscription, setPeriodEnd, clearCancellation, resetFailures}
	}
}

func setCustomer(_ context.Context, _, _ Status, _ Trigger, c *change) error {
	switch {
	case c.in.CustomerRef == "":
	case c.rec.CustomerRef == "":
		c.rec.CustomerRef = c.in.CustomerRef
	case c.rec.CustomerRef != c.in.CustomerRef:
		return ErrCustomerRefImmutable
	}
	return nil
}

func bindSubscription(ctx context.Context, from, to Status, t Trigger, c *change) error {
	if err := setCustomer(ctx, from, to, t, c); err != nil {
		return err
	}
	if c.in.SubscriptionRef != "" {
		c.rec.SubscriptionRef = c.in.SubscriptionRef
	}
	if c.in.PlanRef != "" {
		c.rec.PlanRef = c.in.PlanRef
	}
	return nil
}

func unbindSubscription(_ context.Context, _, _ Status, _ Trigger, c *change) error {
	c.rec.SubscriptionRef = ""
	c.rec.PlanRef = ""
	return nil
}

func setPlan(_ context.Context, _, _ Status, _ Trigger, c *change) error {
	if c.in.PlanRef == "" {
		return fmt.Errorf("%w: plan ref is required", ErrPlanNotFound)
	}
	c.rec.PlanRef = c.in.PlanRef
	return nil
}

func setPeriodEnd(_ context.Context, _, _ Status, _ Trigger, c *change) error {
	if !c.in.PeriodEnd.IsZero() {
		c.rec.CurrentPeriodEnd = c.in.PeriodEnd
	}
	return nil
}

func setFailureCount(_ context.Context, _, _ Status, _ Trigger, c *change) error {
	if c.in.FailureCount > c.rec.PaymentFailureCount {
		c.rec.PaymentFailureCount = c.in.FailureCount
	}
	return nil
}

func resetFailures(_ context.Context, _, _ Status, _ Trigger, c *change) error {
	c.rec.PaymentFailureCount = 0
	return nil
}

func clearCancellation(_ context.Context, _, _ Status, _ Trigger, c *change) error {
	c.rec.Cancellation = nil
	return nil
}

// openCancellation keeps an existing open cancellation so repeated requests
// are no-ops, and schedules a new one for the end of the current period.
func openCancellation(_ context.Context, from, _ Status, _ Trigger, c *change) error {
	if from == StatusCanceling && c.rec.Cancellation != nil && !c.rec.Cancellation.Completed {
		if !c.in.PeriodEnd.IsZero() {
			c.rec.Cancellation.EffectiveAt = c.in.PeriodEnd
		}
		return nil
	}
	c.rec.Cancellation = &Cancellation{
		RequestedAt: c.in.At,
		EffectiveAt: c.rec.CurrentPeriodEnd,
		Reason:      c.in.Reason,
	}
	return nil
}

func completeCancellation(_ context.Context, from, _ Status, _ Trigger, c *change) error {
	if from == StatusCanceled && c.rec.Cancellation != nil {
		return nil
	}
	cancellation := Cancellation{RequestedAt: c.in.At, Reason: c.in.Reason}
	if c.rec.Cancellation != nil {
		cancellation = *c.rec.Cancellation
		if cancellation.Reason == "" {
			cancellation.Reason = c.in.Reason
		}
	}
	cancellation.EffectiveAt = c.in.At
	cancellation.Completed = true
	c.rec.Cancellation = &cancellation
	return nil
}
