package dispatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Syncano/scriptbox/internal/dispatch"
	"github.com/Syncano/scriptbox/internal/model"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func testSpec(key string) *model.RunSpec {
	return &model.RunSpec{
		Key:              key,
		TenantID:         "t1",
		Runtime:          "python",
		Source:           "print(1)",
		TimeoutS:         30,
		ConcurrencyLimit: 2,
	}
}

func TestQueuePriorityDrainsFirst(t *testing.T) {
	client, _ := newTestRedis(t)
	q := dispatch.NewQueue(client, dispatch.QueueOptions{SpecTTL: time.Minute, PerRunnerLimit: 10})
	ctx := context.Background()

	if err := q.Push(ctx, testSpec("normal-1"), model.PriorityNormal); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := q.Push(ctx, testSpec("high-1"), model.PriorityHigh); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := q.Push(ctx, testSpec("normal-2"), model.PriorityNormal); err != nil {
		t.Fatalf("Push: %v", err)
	}

	wantOrder := []struct {
		key      string
		priority string
	}{
		{"high-1", model.PriorityHigh},
		{"normal-1", model.PriorityNormal},
		{"normal-2", model.PriorityNormal},
	}
	for _, want := range wantOrder {
		key, priority, ok, err := q.Pop(ctx, "t1")
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if !ok {
			t.Fatalf("queue empty, want %q", want.key)
		}
		if key != want.key || priority != want.priority {
			t.Errorf("popped (%q, %q), want (%q, %q)", key, priority, want.key, want.priority)
		}
	}

	if _, _, ok, _ := q.Pop(ctx, "t1"); ok {
		t.Error("drained queue still produced a spec")
	}
}

func TestQueueCapacityRefusal(t *testing.T) {
	client, _ := newTestRedis(t)
	// Capacity = perRunnerLimit(2) * concurrency(2) = 4.
	q := dispatch.NewQueue(client, dispatch.QueueOptions{SpecTTL: time.Minute, PerRunnerLimit: 2})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := q.Push(ctx, testSpec(model.NewID()), model.PriorityNormal); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}

	err := q.Push(ctx, testSpec("one-too-many"), model.PriorityHigh)
	if err != dispatch.ErrQueueBlocked {
		t.Fatalf("Push over capacity: err = %v, want ErrQueueBlocked", err)
	}

	// The refused spec's body must not linger in the spec store.
	if _, err := q.Consume(ctx, "one-too-many"); err != dispatch.ErrSpecGone {
		t.Errorf("refused spec consumable: err = %v, want ErrSpecGone", err)
	}
}

func TestQueueConsumeIsExactlyOnce(t *testing.T) {
	client, _ := newTestRedis(t)
	q := dispatch.NewQueue(client, dispatch.QueueOptions{SpecTTL: time.Minute, PerRunnerLimit: 10})
	ctx := context.Background()

	spec := testSpec("once")
	if err := q.Push(ctx, spec, model.PriorityNormal); err != nil {
		t.Fatalf("Push: %v", err)
	}

	got, err := q.Consume(ctx, "once")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got.Source != spec.Source || got.TenantID != spec.TenantID {
		t.Errorf("consumed spec %+v, want %+v", got, spec)
	}

	if _, err := q.Consume(ctx, "once"); err != dispatch.ErrSpecGone {
		t.Errorf("second consume: err = %v, want ErrSpecGone", err)
	}
}

func TestQueueSpecExpires(t *testing.T) {
	client, mr := newTestRedis(t)
	q := dispatch.NewQueue(client, dispatch.QueueOptions{SpecTTL: time.Minute, PerRunnerLimit: 10})
	ctx := context.Background()

	if err := q.Push(ctx, testSpec("stale"), model.PriorityNormal); err != nil {
		t.Fatalf("Push: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	// The queue entry survives but the body is gone.
	key, _, ok, err := q.Pop(ctx, "t1")
	if err != nil || !ok || key != "stale" {
		t.Fatalf("Pop = (%q, %v, %v)", key, ok, err)
	}
	if _, err := q.Consume(ctx, "stale"); err != dispatch.ErrSpecGone {
		t.Errorf("expired spec consumable: err = %v, want ErrSpecGone", err)
	}
}

func TestQueueRequeueGoesToFront(t *testing.T) {
	client, _ := newTestRedis(t)
	q := dispatch.NewQueue(client, dispatch.QueueOptions{SpecTTL: time.Minute, PerRunnerLimit: 10})
	ctx := context.Background()

	if err := q.Push(ctx, testSpec("first"), model.PriorityNormal); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := q.Push(ctx, testSpec("second"), model.PriorityNormal); err != nil {
		t.Fatalf("Push: %v", err)
	}

	key, _, _, err := q.Pop(ctx, "t1")
	if err != nil || key != "first" {
		t.Fatalf("Pop = %q, %v", key, err)
	}
	retried, err := q.Consume(ctx, key)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	retried.Retried = true
	if err := q.Requeue(ctx, retried, model.PriorityNormal); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	// The requeued spec comes back before older entries.
	key, _, _, err = q.Pop(ctx, "t1")
	if err != nil || key != "first" {
		t.Fatalf("Pop after requeue = %q, %v, want %q", key, err, "first")
	}
	got, err := q.Consume(ctx, key)
	if err != nil {
		t.Fatalf("Consume requeued: %v", err)
	}
	if !got.Retried {
		t.Error("requeued spec lost its retry marker")
	}
}

func TestQueueDepthSpansBothPriorities(t *testing.T) {
	client, _ := newTestRedis(t)
	q := dispatch.NewQueue(client, dispatch.QueueOptions{SpecTTL: time.Minute, PerRunnerLimit: 10})
	ctx := context.Background()

	if err := q.Push(ctx, testSpec("a"), model.PriorityHigh); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := q.Push(ctx, testSpec("b"), model.PriorityNormal); err != nil {
		t.Fatalf("Push: %v", err)
	}

	depth, err := q.Depth(ctx, "t1")
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 2 {
		t.Errorf("depth = %d, want 2", depth)
	}
}
