package middleware

import (
	"context"
	"log/slog"
	"time"
)

// Logging returns middleware that logs stage start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, s Stage, next Handler) error {
		logger.Info("stage started",
			slog.String("workflow_id", s.WorkflowID),
			slog.Int("step", s.Index),
			slog.String("stage", s.Name),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("stage failed",
				slog.String("workflow_id", s.WorkflowID),
				slog.Int("step", s.Index),
				slog.String("stage", s.Name),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("stage completed",
				slog.String("workflow_id", s.WorkflowID),
				slog.Int("step", s.Index),
				slog.String("stage", s.Name),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
