package storage

import (
	"context"
	"errors"
	"time"

	"github.com/songzhibin97/perf-pipeline/types"
)

// ErrWorkflowNotFound is returned when no workflow is stored under an id.
var ErrWorkflowNotFound = errors.New("workflow not found")

// Storage defines the interface for persisting pipeline runs.
// Implementations must be safe for concurrent use and must never hand out
// values that alias their internal state.
type Storage interface {
	// SaveWorkflow stores a snapshot of wf, replacing any previous one.
	SaveWorkflow(ctx context.Context, wf types.Workflow) error

	// GetWorkflow retrieves a workflow by ID.
	GetWorkflow(ctx context.Context, id string) (types.Workflow, error)

	// DeleteWorkflow removes a workflow. Unknown ids yield ErrWorkflowNotFound.
	DeleteWorkflow(ctx context.Context, id string) error

	// ListWorkflows returns every stored workflow ordered by creation time.
	ListWorkflows(ctx context.Context) ([]types.Workflow, error)

	// ClearTerminal removes completed or failed workflows last updated
	// before the given time and reports how many were removed.
	ClearTerminal(ctx context.Context, before time.Time) (int, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// expired reports whether wf is terminal and older than before.
func expired(wf types.Workflow, before time.Time) bool {
	if !wf.Status.Terminal() {
		return false
	}
	last := wf.UpdatedAt
	if !wf.FinishedAt.IsZero() {
		last = wf.FinishedAt
	}
	return last.Before(before)
}
