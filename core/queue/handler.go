package queue

import (
	"context"
	"encoding/json"
)

type (
	// Handler defines the interface for job processors. The queue layer
	// implements only the dispatch contract around handlers; the business
	// logic inside them belongs to the application.
	Handler interface {
		// Name returns the job name this handler consumes.
		Name() string
		// Handle processes the job payload, provided as raw JSON.
		Handle(ctx context.Context, payload json.RawMessage) error
	}

	// HandlerFunc is a type-safe handler function. The generic type T
	// represents the expected payload structure for the job name.
	HandlerFunc[T any] func(ctx context.Context, payload T) error
)

// NewHandler creates a type-safe handler for a job name. The payload is
// unmarshaled into T before the function is invoked; a malformed payload is
// a processing failure subject to the usual retry budget.
func NewHandler[T any](name string, fn HandlerFunc[T]) Handler {
	return &typedHandler[T]{name: name, fn: fn}
}

type typedHandler[T any] struct {
	name string
	fn   HandlerFunc[T]
}

func (h *typedHandler[T]) Name() string {
	return h.name
}

func (h *typedHandler[T]) Handle(ctx context.Context, payload json.RawMessage) error {
	var t T
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t); err != nil {
			return err
		}
	}
	return h.fn(ctx, t)
}
