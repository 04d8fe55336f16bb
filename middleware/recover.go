package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Recover returns middleware that turns a panic in the chain into an error
// so the stage fails like any other.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, s Stage, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("stage panicked",
					slog.String("workflow_id", s.WorkflowID),
					slog.String("stage", s.Name),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = fmt.Errorf("panic in stage %s: %v", s.Name, r)
			}
		}()
		return next(ctx)
	}
}
