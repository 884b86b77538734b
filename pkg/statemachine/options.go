package statemachine

import "fmt"

// TransitionOption configures a single transition with guards and actions.
type TransitionOption[S, T comparable, D any] func(*Transition[S, T, D])

// WithTransition adds a transition from a single source state.
func WithTransition[S, T comparable, D any](from, to S, trigger T, opts ...TransitionOption[S, T, D]) Option[S, T, D] {
	return WithTransitionFrom([]S{from}, to, trigger, opts...)
}

// WithTransitionFrom adds one transition shared by several source states.
func WithTransitionFrom[S, T comparable, D any](from []S, to S, trigger T, opts ...TransitionOption[S, T, D]) Option[S, T, D] {
	return func(tbl *Table[S, T, D]) error {
		t := Transition[S, T, D]{From: from, To: to, Trigger: trigger}
		for _, opt := range opts {
			opt(&t)
		}
		if err := tbl.add(t); err != nil {
			return fmt.Errorf("failed to add transition %v -> %v on %v: %w", from, to, trigger, err)
		}
		return nil
	}
}

// WithTransitions adds several prebuilt transitions.
func WithTransitions[S, T comparable, D any](defs ...Transition[S, T, D]) Option[S, T, D] {
	return func(tbl *Table[S, T, D]) error {
		for i, t := range defs {
			if err := tbl.add(t); err != nil {
				return fmt.Errorf("failed to add transition[%d] %v -> %v on %v: %w", i, t.From, t.To, t.Trigger, err)
			}
		}
		return nil
	}
}

// WithGuard appends guards to a transition. Nil guards are ignored.
func WithGuard[S, T comparable, D any](guards ...Guard[S, T, D]) TransitionOption[S, T, D] {
	return func(t *Transition[S, T, D]) {
		for _, g := range guards {
			if g != nil {
				t.Guards = append(t.Guards, g)
			}
		}
	}
}

// WithAction appends actions to a transition. Nil actions are ignored.
func WithAction[S, T comparable, D any](actions ...Action[S, T, D]) TransitionOption[S, T, D] {
	return func(t *Transition[S, T, D]) {
		for _, a := range actions {
			if a != nil {
				t.Actions = append(t.Actions, a)
			}
		}
	}
}
