// Package dispatch admits, queues and executes run specs. Each tenant has a
// priority and a normal queue of spec keys in Redis; spec bodies live in a
// transient store consumed exactly once per run. Admission counters bound
// per-tenant concurrency, and short-lived drain tasks pull specs through the
// execution protocol.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Syncano/scriptbox/internal/model"
)

var (
	// ErrQueueBlocked is returned when a tenant's queues are at capacity.
	ErrQueueBlocked = errors.New("tenant queue is full")
	// ErrSpecGone is returned when a queued spec key no longer resolves to a
	// body, either expired or already consumed.
	ErrSpecGone = errors.New("run spec gone")
)

// QueueOptions configures queue capacity and spec retention.
type QueueOptions struct {
	// SpecTTL bounds how long an unconsumed spec body survives.
	SpecTTL time.Duration
	// PerRunnerLimit scales the tenant's concurrency limit into a queue
	// capacity: capacity = PerRunnerLimit * concurrency.
	PerRunnerLimit int
}

// Queue manages per-tenant two-priority spec queues.
type Queue struct {
	client *redis.Client
	opts   QueueOptions
}

// NewQueue creates a queue over the given Redis client.
func NewQueue(client *redis.Client, opts QueueOptions) *Queue {
	return &Queue{client: client, opts: opts}
}

func specKey(key string) string {
	return "spec:" + key
}

func queueKey(tenantID, priority string) string {
	return "queue:" + tenantID + ":" + priority
}

// Push stores the spec body and appends its key to the tenant's queue for
// the given priority. When the tenant's combined queue depth is already at
// capacity the spec is refused with ErrQueueBlocked and nothing is stored.
func (q *Queue) Push(ctx context.Context, spec *model.RunSpec, priority string) error {
	depth, err := q.Depth(ctx, spec.TenantID)
	if err != nil {
		return err
	}

	concurrency := spec.ConcurrencyLimit
	if concurrency <= 0 {
		concurrency = 1
	}
	if depth >= int64(q.opts.PerRunnerLimit*concurrency) {
		return ErrQueueBlocked
	}

	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.Set(ctx, specKey(spec.Key), raw, q.opts.SpecTTL)
	pipe.LPush(ctx, queueKey(spec.TenantID, priority), spec.Key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue spec: %w", err)
	}
	return nil
}

// Pop removes the next spec key from the tenant's queues, draining the
// priority queue before the normal one. ok is false when both are empty.
func (q *Queue) Pop(ctx context.Context, tenantID string) (key, priority string, ok bool, err error) {
	for _, p := range []string{model.PriorityHigh, model.PriorityNormal} {
		key, err := q.client.RPop(ctx, queueKey(tenantID, p)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", "", false, fmt.Errorf("pop queue: %w", err)
		}
		return key, p, true, nil
	}
	return "", "", false, nil
}

// Consume claims a spec body, removing it atomically so no other worker can
// run the same spec.
func (q *Queue) Consume(ctx context.Context, key string) (*model.RunSpec, error) {
	raw, err := q.client.GetDel(ctx, specKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSpecGone
	}
	if err != nil {
		return nil, fmt.Errorf("consume spec: %w", err)
	}

	spec := &model.RunSpec{}
	if err := json.Unmarshal(raw, spec); err != nil {
		return nil, fmt.Errorf("unmarshal spec: %w", err)
	}
	return spec, nil
}

// Requeue puts a consumed spec back at the front of its queue, bypassing the
// capacity check. Used after transient container failures.
func (q *Queue) Requeue(ctx context.Context, spec *model.RunSpec, priority string) error {
	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.Set(ctx, specKey(spec.Key), raw, q.opts.SpecTTL)
	pipe.RPush(ctx, queueKey(spec.TenantID, priority), spec.Key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue spec: %w", err)
	}
	return nil
}

// Depth returns the tenant's combined queue length.
func (q *Queue) Depth(ctx context.Context, tenantID string) (int64, error) {
	pipe := q.client.Pipeline()
	high := pipe.LLen(ctx, queueKey(tenantID, model.PriorityHigh))
	normal := pipe.LLen(ctx, queueKey(tenantID, model.PriorityNormal))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return high.Val() + normal.Val(), nil
}
