// Package middleware provides composable wrappers around pipeline stage
// execution. Middleware run synchronously inside the workflow goroutine and
// can observe or alter the outcome of a stage (recover from panics, log,
// trace, record metrics).
package middleware

import "context"

// Stage identifies the stage being executed.
type Stage struct {
	WorkflowID string
	Index      int
	Name       string
}

// Handler is the terminal function that executes stage logic.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It MUST call next to
// continue the chain unless it short-circuits with an error.
type Middleware func(ctx context.Context, s Stage, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// The first middleware in the list is the outermost wrapper.
//
//	Chain(logging, recover)(ctx, s, h) == logging -> recover -> h
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, s Stage, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, s, prev)
			}
		}
		return h(ctx)
	}
}
