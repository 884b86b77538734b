package statemachine

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned by New for a transition without a source state.
	ErrInvalidTransition = errors.New("invalid transition: at least one source state is required")
	// ErrDuplicateSource is returned by New when a source state is listed twice.
	ErrDuplicateSource = errors.New("invalid transition: duplicate source state")
)

// ErrNoTransitionAvailable indicates no transition is defined for the state/trigger pair.
type ErrNoTransitionAvailable struct {
	State   string
	Trigger string
}

// Error implements error.
func (e *ErrNoTransitionAvailable) Error() string {
	return fmt.Sprintf("no transition available from state '%s' for trigger '%s'", e.State, e.Trigger)
}

// ErrTransitionRejected indicates every candidate transition was blocked by its guards.
type ErrTransitionRejected struct {
	State   string
	Trigger string
}

// Error implements error.
func (e *ErrTransitionRejected) Error() string {
	return fmt.Sprintf("transition from state '%s' for trigger '%s' was rejected by guards", e.State, e.Trigger)
}

// IsNoTransitionAvailableError reports whether err wraps ErrNoTransitionAvailable.
func IsNoTransitionAvailableError(err error) bool {
	var e *ErrNoTransitionAvailable
	return errors.As(err, &e)
}

// IsTransitionRejectedError reports whether err wraps ErrTransitionRejected.
func IsTransitionRejectedError(err error) bool {
	var e *ErrTransitionRejected
	return errors.As(err, &e)
}
