package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

type (
	// Handler processes the payload of tasks carrying its name.
	Handler interface {
		Name() string
		Handle(ctx context.Context, payload json.RawMessage) error
	}

	// TaskHandlerFunc handles a decoded payload of type T.
	TaskHandlerFunc[T any] func(ctx context.Context, payload T) error
)

// NewTaskHandler returns a Handler for tasks enqueued with a payload of type
// T. The task name is the qualified type name, so Enqueue and the handler
// agree without extra configuration.
func NewTaskHandler[T any](handler TaskHandlerFunc[T]) Handler {
	var payload T
	return &taskHandler[T]{
		name:    TaskName(payload),
		handler: handler,
	}
}

// TaskName returns the task name Enqueue derives for payload.
func TaskName(payload any) string {
	return strings.TrimLeft(fmt.Sprintf("%T", payload), "*")
}

type taskHandler[T any] struct {
	name    string
	handler TaskHandlerFunc[T]
}

func (h *taskHandler[T]) Name() string {
	return h.name
}

func (h *taskHandler[T]) Handle(ctx context.Context, payload json.RawMessage) error {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return fmt.Errorf("decode %s payload: %w", h.name, err)
	}
	return h.handler(ctx, t)
}
