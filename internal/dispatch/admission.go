package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Admission tracks per-tenant in-flight execution counts in Redis. Counters
// carry a rolling TTL so a crashed worker's leaked slot heals itself instead
// of starving the tenant forever.
type Admission struct {
	client *redis.Client
	ttl    time.Duration
}

// NewAdmission creates an admission controller with the given slot TTL. The
// TTL must exceed the longest possible execution.
func NewAdmission(client *redis.Client, ttl time.Duration) *Admission {
	return &Admission{client: client, ttl: ttl}
}

func admissionKey(tenantID string) string {
	return "admission:" + tenantID
}

// Acquire claims an execution slot for the tenant, reporting false when the
// tenant is already at its concurrency limit.
func (a *Admission) Acquire(ctx context.Context, tenantID string, limit int) (bool, error) {
	key := admissionKey(tenantID)

	n, err := a.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("acquire slot: %w", err)
	}
	// Refresh the TTL on every claim so the counter only expires when the
	// tenant goes quiet.
	if err := a.client.Expire(ctx, key, a.ttl).Err(); err != nil {
		return false, fmt.Errorf("refresh slot ttl: %w", err)
	}

	if n > int64(limit) {
		if err := a.client.Decr(ctx, key).Err(); err != nil {
			return false, fmt.Errorf("rollback slot: %w", err)
		}
		return false, nil
	}
	return true, nil
}

// Release frees an execution slot. A counter that went negative (its TTL
// fired mid-run) is reset instead of left skewed.
func (a *Admission) Release(ctx context.Context, tenantID string) error {
	key := admissionKey(tenantID)

	n, err := a.client.Decr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	if n < 0 {
		if err := a.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("reset slot counter: %w", err)
		}
	}
	return nil
}

// InUse returns the tenant's current in-flight count.
func (a *Admission) InUse(ctx context.Context, tenantID string) (int64, error) {
	n, err := a.client.Get(ctx, admissionKey(tenantID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read slot counter: %w", err)
	}
	return n, nil
}
