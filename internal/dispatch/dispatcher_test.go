package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Syncano/scriptbox/internal/dispatch"
	"github.com/Syncano/scriptbox/internal/limits"
	"github.com/Syncano/scriptbox/internal/model"
	"github.com/Syncano/scriptbox/internal/protocol"
	"github.com/Syncano/scriptbox/internal/trace"
)

// fakeRunner scripts execution outcomes per call.
type fakeRunner struct {
	mu    sync.Mutex
	calls []*model.RunSpec
	fn    func(call int, spec *model.RunSpec) (*model.Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, spec *model.RunSpec) (*model.Result, error) {
	f.mu.Lock()
	specCopy := *spec
	f.calls = append(f.calls, &specCopy)
	call := len(f.calls)
	f.mu.Unlock()
	return f.fn(call, spec)
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	dispatcher *dispatch.Dispatcher
	traces     trace.Store
	results    *dispatch.Results
	runner     *fakeRunner
}

func newHarness(t *testing.T, perRunnerLimit int, runner *fakeRunner) *harness {
	t.Helper()
	client, _ := newTestRedis(t)

	traces := trace.NewRedisStore(client, trace.Options{Cap: 100, TTL: time.Hour, TrimmedTTL: time.Minute})
	queue := dispatch.NewQueue(client, dispatch.QueueOptions{SpecTTL: time.Minute, PerRunnerLimit: perRunnerLimit})
	admission := dispatch.NewAdmission(client, time.Hour)
	results := dispatch.NewResults(client)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	d := dispatch.NewDispatcher(queue, admission, results, traces, limits.Static(2), runner, logger,
		dispatch.Options{Workers: 2})

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	t.Cleanup(func() {
		cancel()
		d.Wait()
	})

	return &harness{dispatcher: d, traces: traces, results: results, runner: runner}
}

func pendingSpec(t *testing.T, h *harness, key string) *model.RunSpec {
	t.Helper()
	owner := model.OwnerKey(model.OwnerScript, "s1")
	tr := &model.Trace{Status: model.StatusPending}
	if err := h.traces.Create(context.Background(), owner, tr); err != nil {
		t.Fatalf("create trace: %v", err)
	}
	return &model.RunSpec{
		Key:              key,
		TenantID:         "t1",
		Runtime:          "python",
		Source:           "print(42 - 10)",
		TimeoutS:         30,
		ConcurrencyLimit: 2,
		TraceOwner:       owner,
		TraceID:          tr.ID,
	}
}

func waitForStatus(t *testing.T, h *harness, owner string, id int64, want string) *model.Trace {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		tr, err := h.traces.Get(context.Background(), owner, id)
		if err == nil && tr.Status == want {
			return tr
		}
		time.Sleep(10 * time.Millisecond)
	}
	tr, err := h.traces.Get(context.Background(), owner, id)
	t.Fatalf("trace never reached %q: trace=%+v err=%v", want, tr, err)
	return nil
}

func TestDispatcherExecutesSpec(t *testing.T) {
	runner := &fakeRunner{fn: func(int, *model.RunSpec) (*model.Result, error) {
		return &model.Result{Stdout: "32\n", ExitCode: 0}, nil
	}}
	h := newHarness(t, 10, runner)
	ctx := context.Background()

	spec := pendingSpec(t, h, "run-ok")
	spec.ResultKey = "run-ok"

	ch, cancel, err := h.results.Subscribe(ctx, spec.ResultKey)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if err := h.dispatcher.Submit(ctx, spec, model.PriorityHigh); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	tr := waitForStatus(t, h, spec.TraceOwner, spec.TraceID, model.StatusSuccess)
	if tr.Result == nil || tr.Result.Stdout != "32\n" {
		t.Errorf("trace result = %+v", tr.Result)
	}
	if tr.ExecutedAt == nil {
		t.Error("executed_at not recorded")
	}
	if tr.DurationMS == nil {
		t.Error("duration not recorded")
	}

	select {
	case payload := <-ch:
		if payload.Structured {
			t.Error("raw result flagged as structured")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("result never published")
	}
}

func TestDispatcherRecordsStaffExecution(t *testing.T) {
	runner := &fakeRunner{fn: func(int, *model.RunSpec) (*model.Result, error) {
		return &model.Result{ExitCode: 0}, nil
	}}
	h := newHarness(t, 10, runner)
	ctx := context.Background()

	spec := pendingSpec(t, h, "run-staff")
	spec.ExecutedByStaff = true

	if err := h.dispatcher.Submit(ctx, spec, model.PriorityHigh); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	tr := waitForStatus(t, h, spec.TraceOwner, spec.TraceID, model.StatusSuccess)
	if !tr.ExecutedByStaff {
		t.Error("trace does not carry the staff execution flag")
	}
}

func TestDispatcherQueueTimeout(t *testing.T) {
	runner := &fakeRunner{fn: func(int, *model.RunSpec) (*model.Result, error) {
		return &model.Result{ExitCode: 0}, nil
	}}
	h := newHarness(t, 10, runner)
	ctx := context.Background()

	spec := pendingSpec(t, h, "run-stale")
	expired := time.Now().Add(-time.Minute)
	spec.ExpireAt = &expired

	if err := h.dispatcher.Submit(ctx, spec, model.PriorityNormal); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitForStatus(t, h, spec.TraceOwner, spec.TraceID, model.StatusQueueTimeout)
	if runner.callCount() != 0 {
		t.Errorf("expired spec executed %d times", runner.callCount())
	}
}

func TestDispatcherBlockedWhenQueueFull(t *testing.T) {
	runner := &fakeRunner{fn: func(int, *model.RunSpec) (*model.Result, error) {
		return &model.Result{ExitCode: 0}, nil
	}}

	// No workers started: submissions stay queued.
	client, _ := newTestRedis(t)
	traces := trace.NewRedisStore(client, trace.Options{Cap: 100, TTL: time.Hour, TrimmedTTL: time.Minute})
	queue := dispatch.NewQueue(client, dispatch.QueueOptions{SpecTTL: time.Minute, PerRunnerLimit: 1})
	admission := dispatch.NewAdmission(client, time.Hour)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	d := dispatch.NewDispatcher(queue, admission, dispatch.NewResults(client), traces, limits.Static(1), runner, logger, dispatch.Options{})
	ctx := context.Background()

	owner := model.OwnerKey(model.OwnerScript, "s1")
	specs := make([]*model.RunSpec, 2)
	for i := range specs {
		tr := &model.Trace{Status: model.StatusPending}
		if err := traces.Create(ctx, owner, tr); err != nil {
			t.Fatalf("create trace: %v", err)
		}
		specs[i] = &model.RunSpec{
			Key:              fmt.Sprintf("run-%d", i),
			TenantID:         "t1",
			Runtime:          "python",
			ConcurrencyLimit: 1,
			TraceOwner:       owner,
			TraceID:          tr.ID,
		}
	}

	if err := d.Submit(ctx, specs[0], model.PriorityNormal); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	err := d.Submit(ctx, specs[1], model.PriorityNormal)
	if !errors.Is(err, dispatch.ErrQueueBlocked) {
		t.Fatalf("Submit over capacity: err = %v, want ErrQueueBlocked", err)
	}

	tr, err := traces.Get(ctx, owner, specs[1].TraceID)
	if err != nil {
		t.Fatalf("Get blocked trace: %v", err)
	}
	if tr.Status != model.StatusBlocked {
		t.Errorf("refused spec trace status = %q, want %q", tr.Status, model.StatusBlocked)
	}

	// The accepted spec's trace is untouched.
	tr, err = traces.Get(ctx, owner, specs[0].TraceID)
	if err != nil {
		t.Fatalf("Get queued trace: %v", err)
	}
	if tr.Status != model.StatusPending {
		t.Errorf("queued spec trace status = %q, want %q", tr.Status, model.StatusPending)
	}
}

func TestDispatcherContainerErrorRequeuesOnce(t *testing.T) {
	runner := &fakeRunner{fn: func(call int, spec *model.RunSpec) (*model.Result, error) {
		if call == 1 {
			return nil, fmt.Errorf("%w: exec failed", protocol.ErrCannotExecContainer)
		}
		return &model.Result{Stdout: "ok", ExitCode: 0}, nil
	}}
	h := newHarness(t, 10, runner)
	ctx := context.Background()

	spec := pendingSpec(t, h, "run-retry")
	if err := h.dispatcher.Submit(ctx, spec, model.PriorityNormal); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	tr := waitForStatus(t, h, spec.TraceOwner, spec.TraceID, model.StatusSuccess)
	if tr.Result == nil || tr.Result.Stdout != "ok" {
		t.Errorf("trace result = %+v", tr.Result)
	}
	if runner.callCount() != 2 {
		t.Errorf("runner called %d times, want 2", runner.callCount())
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.calls[0].Retried {
		t.Error("first attempt marked retried")
	}
	if !runner.calls[1].Retried {
		t.Error("second attempt not marked retried")
	}
}

func TestDispatcherPersistentContainerErrorFails(t *testing.T) {
	runner := &fakeRunner{fn: func(int, *model.RunSpec) (*model.Result, error) {
		return nil, fmt.Errorf("%w: exec failed", protocol.ErrCannotExecContainer)
	}}
	h := newHarness(t, 10, runner)
	ctx := context.Background()

	spec := pendingSpec(t, h, "run-doomed")
	if err := h.dispatcher.Submit(ctx, spec, model.PriorityNormal); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	tr := waitForStatus(t, h, spec.TraceOwner, spec.TraceID, model.StatusFailure)
	if tr.Result == nil || tr.Result.ExitCode != -1 {
		t.Errorf("trace result = %+v", tr.Result)
	}
	if runner.callCount() != 2 {
		t.Errorf("runner called %d times, want 2 (one retry)", runner.callCount())
	}
}

func TestDispatcherWrapperErrorFailsWithoutRetry(t *testing.T) {
	runner := &fakeRunner{fn: func(int, *model.RunSpec) (*model.Result, error) {
		return nil, fmt.Errorf("%w: stream broken", protocol.ErrScriptWrapper)
	}}
	h := newHarness(t, 10, runner)
	ctx := context.Background()

	spec := pendingSpec(t, h, "run-wrapper-err")
	if err := h.dispatcher.Submit(ctx, spec, model.PriorityNormal); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitForStatus(t, h, spec.TraceOwner, spec.TraceID, model.StatusFailure)
	if runner.callCount() != 1 {
		t.Errorf("runner called %d times, want 1", runner.callCount())
	}
}

func TestDispatcherMapsExitCodes(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		want     string
	}{
		{"zero is success", 0, model.StatusSuccess},
		{"timeout code", 124, model.StatusTimeout},
		{"nonzero is failure", 3, model.StatusFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{fn: func(int, *model.RunSpec) (*model.Result, error) {
				return &model.Result{ExitCode: tt.exitCode}, nil
			}}
			h := newHarness(t, 10, runner)

			spec := pendingSpec(t, h, "run-exit")
			if err := h.dispatcher.Submit(context.Background(), spec, model.PriorityNormal); err != nil {
				t.Fatalf("Submit: %v", err)
			}
			waitForStatus(t, h, spec.TraceOwner, spec.TraceID, tt.want)
		})
	}
}
