package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/perf-pipeline/types"
)

const (
	defaultKeyPrefix = "perfpipe:"
	workflowPrefix   = "workflow:"
	indexKey         = "workflows"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Workflows are stored as JSON values, and a set tracks known ids.
type RedisStorage struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration

	// KeyPrefix namespaces every key. Defaults to "perfpipe:".
	KeyPrefix string
	// Retention is applied as a key TTL once a workflow is terminal.
	// Zero keeps terminal workflows until ClearTerminal or DeleteWorkflow.
	Retention time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStorage{client: client, prefix: prefix, retention: opts.Retention}, nil
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

func (s *RedisStorage) key(id string) string {
	return s.prefix + workflowPrefix + id
}

func (s *RedisStorage) index() string {
	return s.prefix + indexKey
}

// SaveWorkflow saves a workflow to Redis. Terminal workflows get the
// retention TTL so Redis expires them on its own.
func (s *RedisStorage) SaveWorkflow(ctx context.Context, wf types.Workflow) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(wf)
		if err != nil {
			return fmt.Errorf("failed to marshal workflow %s: %w", wf.ID, err)
		}
		var ttl time.Duration
		if wf.Status.Terminal() {
			ttl = s.retention
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key(wf.ID), data, ttl)
			pipe.SAdd(ctx, s.index(), wf.ID)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to save workflow %s in Redis: %w", wf.ID, err)
		}
		return nil
	})
}

// GetWorkflow retrieves a workflow from Redis.
func (s *RedisStorage) GetWorkflow(ctx context.Context, id string) (types.Workflow, error) {
	return getFromRedis[types.Workflow](ctx, s.client, s.key(id))
}

// getFromRedis retrieves and unmarshals a value stored under key.
func getFromRedis[T any](ctx context.Context, client *redis.Client, key string) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", ErrWorkflowNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

// DeleteWorkflow removes a workflow and its index entry.
func (s *RedisStorage) DeleteWorkflow(ctx context.Context, id string) error {
	return withContextError(ctx, func() error {
		var del *redis.IntCmd
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			del = pipe.Del(ctx, s.key(id))
			pipe.SRem(ctx, s.index(), id)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to delete workflow %s from Redis: %w", id, err)
		}
		if del.Val() == 0 {
			return fmt.Errorf("%w: id=%s", ErrWorkflowNotFound, id)
		}
		return nil
	})
}

// ListWorkflows loads every indexed workflow. Index entries whose key has
// expired are pruned on the way.
func (s *RedisStorage) ListWorkflows(ctx context.Context) ([]types.Workflow, error) {
	return withContext(ctx, func() ([]types.Workflow, error) {
		ids, err := s.client.SMembers(ctx, s.index()).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read workflow index: %w", err)
		}
		out := make([]types.Workflow, 0, len(ids))
		if len(ids) == 0 {
			return out, nil
		}

		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = s.key(id)
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load workflows: %w", err)
		}

		var stale []interface{}
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				stale = append(stale, ids[i])
				continue
			}
			var wf types.Workflow
			if err := json.Unmarshal([]byte(raw), &wf); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %w", keys[i], err)
			}
			out = append(out, wf)
		}
		if len(stale) > 0 {
			if err := s.client.SRem(ctx, s.index(), stale...).Err(); err != nil {
				return nil, fmt.Errorf("failed to prune workflow index: %w", err)
			}
		}
		sortWorkflows(out)
		return out, nil
	})
}

// ClearTerminal removes completed or failed workflows older than before.
func (s *RedisStorage) ClearTerminal(ctx context.Context, before time.Time) (int, error) {
	wfs, err := s.ListWorkflows(ctx)
	if err != nil {
		return 0, err
	}

	var ids []string
	for _, wf := range wfs {
		if expired(wf, before) {
			ids = append(ids, wf.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	err = withContextError(ctx, func() error {
		pipe := s.client.Pipeline()
		for _, id := range ids {
			pipe.Del(ctx, s.key(id))
			pipe.SRem(ctx, s.index(), id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for deletion: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
