package statemachine

import (
	"context"
	"fmt"
	"slices"
)

// Guard reports whether a transition may proceed for the given data.
type Guard[S, T comparable, D any] func(ctx context.Context, from S, trigger T, data D) bool

// Action runs after a transition is selected. An error aborts the transition.
type Action[S, T comparable, D any] func(ctx context.Context, from, to S, trigger T, data D) error

// Transition moves any of the From states to To when Trigger fires.
type Transition[S, T comparable, D any] struct {
	From    []S
	To      S
	Trigger T
	Guards  []Guard[S, T, D]
	Actions []Action[S, T, D]
}

// Table is an immutable transition table. It is safe for concurrent use once built.
type Table[S, T comparable, D any] struct {
	transitions map[S]map[T][]Transition[S, T, D]
}

// Option configures a Table during construction.
type Option[S, T comparable, D any] func(*Table[S, T, D]) error

// New builds a table from the given options.
func New[S, T comparable, D any](opts ...Option[S, T, D]) (*Table[S, T, D], error) {
	tbl := &Table[S, T, D]{transitions: make(map[S]map[T][]Transition[S, T, D])}
	for _, opt := range opts {
		if err := opt(tbl); err != nil {
			return nil, err
		}
	}
	return tbl, nil
}

// MustNew is New that panics on an invalid definition.
func MustNew[S, T comparable, D any](opts ...Option[S, T, D]) *Table[S, T, D] {
	tbl, err := New(opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to create state machine: %v", err))
	}
	return tbl
}

func (tbl *Table[S, T, D]) add(t Transition[S, T, D]) error {
	if len(t.From) == 0 {
		return ErrInvalidTransition
	}
	seen := make([]S, 0, len(t.From))
	for _, from := range t.From {
		if slices.Contains(seen, from) {
			return fmt.Errorf("%w: %v", ErrDuplicateSource, from)
		}
		seen = append(seen, from)

		byTrigger, ok := tbl.transitions[from]
		if !ok {
			byTrigger = make(map[T][]Transition[S, T, D])
			tbl.transitions[from] = byTrigger
		}
		byTrigger[t.Trigger] = append(byTrigger[t.Trigger], t)
	}
	return nil
}

// Fire selects the first applicable transition for (from, trigger), runs its
// actions and returns the target state. The table itself is never mutated.
func (tbl *Table[S, T, D]) Fire(ctx context.Context, from S, trigger T, data D) (S, error) {
	t, err := tbl.resolve(ctx, from, trigger, data)
	if err != nil {
		return from, err
	}
	for _, action := range t.Actions {
		if err := action(ctx, from, t.To, trigger, data); err != nil {
			return from, fmt.Errorf("action failed: %w", err)
		}
	}
	return t.To, nil
}

// CanFire reports whether Fire would select a transition.
func (tbl *Table[S, T, D]) CanFire(ctx context.Context, from S, trigger T, data D) bool {
	_, err := tbl.resolve(ctx, from, trigger, data)
	return err == nil
}

// Triggers lists the triggers defined for a source state, in no particular order.
func (tbl *Table[S, T, D]) Triggers(from S) []T {
	out := make([]T, 0, len(tbl.transitions[from]))
	for trigger := range tbl.transitions[from] {
		out = append(out, trigger)
	}
	return out
}

func (tbl *Table[S, T, D]) resolve(ctx context.Context, from S, trigger T, data D) (*Transition[S, T, D], error) {
	candidates := tbl.transitions[from][trigger]
	if len(candidates) == 0 {
		return nil, &ErrNoTransitionAvailable{State: fmt.Sprint(from), Trigger: fmt.Sprint(trigger)}
	}
	for i := range candidates {
		if passes(ctx, candidates[i].Guards, from, trigger, data) {
			return &candidates[i], nil
		}
	}
	return nil, &ErrTransitionRejected{State: fmt.Sprint(from), Trigger: fmt.Sprint(trigger)}
}

func passes[S, T comparable, D any](ctx context.Context, guards []Guard[S, T, D], from S, trigger T, data D) bool {
	for _, g := range guards {
		if g != nil && !g(ctx, from, trigger, data) {
			return false
		}
	}
	return true
}
