// Package statemachine implements a stateless, table-driven finite state
// machine with generic state, trigger and data types.
//
// A Table maps (from state, trigger) pairs to candidate transitions. Each
// transition may carry Guards, which decide whether it applies to the given
// data, and Actions, which run in order once a transition is chosen. The
// first transition whose guards all pass wins, so declaration order is
// priority order.
//
// # Architecture
//
// The table holds no current state. Callers pass the state they loaded from
// storage to Fire and persist the returned state themselves:
//
//	load record ──► Fire(ctx, rec.State, trigger, data) ──► save record
//	                     │
//	                     ├─ resolve: first candidate whose guards pass
//	                     └─ actions: run in order, first error aborts
//
// One table therefore serves any number of concurrently processed entities.
// Transitions are stored as map[from]map[trigger][]Transition and the table
// is read-only after New, so it is safe for concurrent use without locks.
//
// # Usage
//
//	type Doc struct {
//		State  string
//		Author string
//	}
//
//	const (
//		Draft     = "draft"
//		Review    = "review"
//		Published = "published"
//	)
//
//	tbl := statemachine.MustNew(
//		statemachine.WithTransition[string, string, *Doc](Draft, Review, "submit"),
//		statemachine.WithTransitionFrom[string, string, *Doc](
//			[]string{Draft, Review}, Published, "publish",
//			statemachine.WithGuard(func(_ context.Context, _ string, _ string, d *Doc) bool {
//				return d.Author != ""
//			}),
//		),
//	)
//
//	next, err := tbl.Fire(ctx, doc.State, "publish", doc)
//	if err != nil {
//		return err
//	}
//	doc.State = next
//
// # Guards and Actions
//
// Guards are pure predicates over (from, trigger, data). Several transitions
// may share a (from, trigger) pair with different guards to express
// conditional targets:
//
//	statemachine.WithTransition[string, string, *Doc](Review, Draft, "reject",
//		statemachine.WithGuard(isMinorChange),
//	)
//
// Actions run after a transition is chosen and before Fire returns the new
// state. They receive the data pointer and may mutate it; an action error
// aborts Fire, which returns the original state and the wrapped error.
//
// CanFire resolves without running actions. Triggers lists what is defined
// for a state, which helps build UIs and error messages.
//
// # Error Handling
//
// Construction errors are ErrInvalidTransition and ErrDuplicateSource. Fire
// returns *ErrNoTransitionAvailable when nothing is defined for the pair and
// *ErrTransitionRejected when every candidate's guards failed:
//
//	switch {
//	case statemachine.IsNoTransitionAvailableError(err):
//		// the trigger makes no sense in this state
//	case statemachine.IsTransitionRejectedError(err):
//		// the trigger exists but the data does not allow it
//	}
//
// Action errors are wrapped, so errors.Is and errors.As reach the cause.
package statemachine
