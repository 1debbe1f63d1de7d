package batch

import (
	"context"
	"fmt"
)

// Outcome is the result delivered to a single submitted item
type Outcome[R any] struct {
	Value R
	Err   error
}

// Handler processes one collected batch. It must return exactly one outcome
// per payload, in payload order. A returned error aborts the whole batch.
type Handler[T, R any] interface {
	ProcessItems(ctx context.Context, payloads []T) ([]Outcome[R], error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc[T, R any] func(ctx context.Context, payloads []T) ([]Outcome[R], error)

// ProcessItems calls f
func (f HandlerFunc[T, R]) ProcessItems(ctx context.Context, payloads []T) ([]Outcome[R], error) {
	return f(ctx, payloads)
}

// SingleItemHandler processes payloads one at a time. An error or panic in
// one item becomes that item's outcome and never fails its siblings.
type SingleItemHandler[T, R any] func(ctx context.Context, payload T) (R, error)

// ProcessItems runs the handler for each payload in order
func (h SingleItemHandler[T, R]) ProcessItems(ctx context.Context, payloads []T) ([]Outcome[R], error) {
	outcomes := make([]Outcome[R], len(payloads))
	for i, payload := range payloads {
		outcomes[i] = h.processSingleItem(ctx, payload)
	}
	return outcomes, nil
}

func (h SingleItemHandler[T, R]) processSingleItem(ctx context.Context, payload T) (outcome Outcome[R]) {
	defer func() {
		if r := recover(); r != nil {
			outcome = Outcome[R]{Err: fmt.Errorf("panic in item processing: %v", r)}
		}
	}()

	value, err := h(ctx, payload)
	return Outcome[R]{Value: value, Err: err}
}
