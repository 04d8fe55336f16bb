package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/songzhibin97/perf-pipeline/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
// It keeps deep copies so callers can keep mutating their own values.
type MemoryStorage struct {
	workflows map[string]types.Workflow
	mu        sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		workflows: make(map[string]types.Workflow),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[string]T, id string, clone func(T) T, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%s", errNotFound, id)
		}
		return clone(item), nil
	})
}

// SaveWorkflow saves a workflow to memory.
func (s *MemoryStorage) SaveWorkflow(ctx context.Context, wf types.Workflow) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.workflows[wf.ID] = wf.Clone()
		return struct{}{}, nil
	})
	return err
}

// GetWorkflow retrieves a workflow from memory.
func (s *MemoryStorage) GetWorkflow(ctx context.Context, id string) (types.Workflow, error) {
	return getItem(ctx, &s.mu, s.workflows, id, types.Workflow.Clone, ErrWorkflowNotFound)
}

// DeleteWorkflow removes a workflow from memory.
func (s *MemoryStorage) DeleteWorkflow(ctx context.Context, id string) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.workflows[id]; !ok {
			return struct{}{}, fmt.Errorf("%w: id=%s", ErrWorkflowNotFound, id)
		}
		delete(s.workflows, id)
		return struct{}{}, nil
	})
	return err
}

// ListWorkflows returns copies of all workflows, oldest first.
func (s *MemoryStorage) ListWorkflows(ctx context.Context) ([]types.Workflow, error) {
	return withContext(ctx, func() ([]types.Workflow, error) {
		s.mu.RLock()
		out := make([]types.Workflow, 0, len(s.workflows))
		for _, wf := range s.workflows {
			out = append(out, wf.Clone())
		}
		s.mu.RUnlock()
		sortWorkflows(out)
		return out, nil
	})
}

// ClearTerminal removes completed or failed workflows older than before.
func (s *MemoryStorage) ClearTerminal(ctx context.Context, before time.Time) (int, error) {
	return withContext(ctx, func() (int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		removed := 0
		for id, wf := range s.workflows {
			if expired(wf, before) {
				delete(s.workflows, id)
				removed++
			}
		}
		return removed, nil
	})
}

func sortWorkflows(wfs []types.Workflow) {
	sort.Slice(wfs, func(i, j int) bool {
		if wfs[i].CreatedAt.Equal(wfs[j].CreatedAt) {
			return wfs[i].ID < wfs[j].ID
		}
		return wfs[i].CreatedAt.Before(wfs[j].CreatedAt)
	})
}
