package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/perf-pipeline/internal/testutil"
	"github.com/songzhibin97/perf-pipeline/types"
)

func newRedisStore(t *testing.T, retention time.Duration) *RedisStorage {
	t.Helper()
	store, err := NewRedisStorage(RedisOptions{
		Addr:         testutil.RedisAddress(t),
		PoolSize:     10,
		MinIdleConns: 2,
		IdleTimeout:  5 * time.Minute,
		KeyPrefix:    "test:" + uuid.NewString() + ":",
		Retention:    retention,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStorage(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)

	t.Run("NewRedisStorage", func(t *testing.T) {
		store := newRedisStore(t, 0)
		assert.NotNil(t, store.client)

		// Test connection failure
		_, err := NewRedisStorage(RedisOptions{Addr: "127.0.0.1:1"})
		assert.Error(t, err)
	})

	t.Run("SaveAndGetWorkflow", func(t *testing.T) {
		store := newRedisStore(t, 0)
		ctx := context.Background()

		wf := newWorkflow("1", types.WorkflowRunning, now)
		require.NoError(t, store.SaveWorkflow(ctx, wf))

		got, err := store.GetWorkflow(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, wf.ID, got.ID)
		assert.Equal(t, wf.Status, got.Status)
		assert.Equal(t, wf.Steps, got.Steps)
		assert.Equal(t, "plan", got.Results["analysis"])
		assert.True(t, wf.CreatedAt.Equal(got.CreatedAt))

		_, err = store.GetWorkflow(ctx, "missing")
		assert.ErrorIs(t, err, ErrWorkflowNotFound)
	})

	t.Run("TerminalWorkflowsExpire", func(t *testing.T) {
		store := newRedisStore(t, time.Minute)
		ctx := context.Background()

		require.NoError(t, store.SaveWorkflow(ctx, newWorkflow("run", types.WorkflowRunning, now)))
		require.NoError(t, store.SaveWorkflow(ctx, newWorkflow("done", types.WorkflowCompleted, now)))

		ttl, err := store.client.TTL(ctx, store.key("run")).Result()
		require.NoError(t, err)
		assert.Equal(t, time.Duration(-1), ttl)

		ttl, err = store.client.TTL(ctx, store.key("done")).Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))
	})

	t.Run("DeleteAndList", func(t *testing.T) {
		store := newRedisStore(t, 0)
		ctx := context.Background()

		require.NoError(t, store.SaveWorkflow(ctx, newWorkflow("a", types.WorkflowCompleted, now)))
		require.NoError(t, store.SaveWorkflow(ctx, newWorkflow("b", types.WorkflowRunning, now.Add(time.Second))))

		wfs, err := store.ListWorkflows(ctx)
		require.NoError(t, err)
		require.Len(t, wfs, 2)
		assert.Equal(t, "a", wfs[0].ID)

		require.NoError(t, store.DeleteWorkflow(ctx, "a"))
		assert.ErrorIs(t, store.DeleteWorkflow(ctx, "a"), ErrWorkflowNotFound)

		wfs, err = store.ListWorkflows(ctx)
		require.NoError(t, err)
		require.Len(t, wfs, 1)
		assert.Equal(t, "b", wfs[0].ID)
	})

	t.Run("ListPrunesExpiredKeys", func(t *testing.T) {
		store := newRedisStore(t, 0)
		ctx := context.Background()

		require.NoError(t, store.SaveWorkflow(ctx, newWorkflow("gone", types.WorkflowCompleted, now)))
		require.NoError(t, store.client.Del(ctx, store.key("gone")).Err())

		wfs, err := store.ListWorkflows(ctx)
		require.NoError(t, err)
		assert.Empty(t, wfs)

		members, err := store.client.SMembers(ctx, store.index()).Result()
		require.NoError(t, err)
		assert.Empty(t, members)
	})

	t.Run("ClearTerminal", func(t *testing.T) {
		store := newRedisStore(t, 0)
		ctx := context.Background()

		require.NoError(t, store.SaveWorkflow(ctx, newWorkflow("old", types.WorkflowFailed, now.Add(-2*time.Hour))))
		require.NoError(t, store.SaveWorkflow(ctx, newWorkflow("active", types.WorkflowRunning, now.Add(-2*time.Hour))))
		require.NoError(t, store.SaveWorkflow(ctx, newWorkflow("new", types.WorkflowCompleted, now)))

		removed, err := store.ClearTerminal(ctx, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		_, err = store.GetWorkflow(ctx, "old")
		assert.ErrorIs(t, err, ErrWorkflowNotFound)
		_, err = store.GetWorkflow(ctx, "active")
		assert.NoError(t, err)
	})
}
