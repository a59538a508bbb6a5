package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Syncano/scriptbox/internal/limits"
	"github.com/Syncano/scriptbox/internal/model"
	"github.com/Syncano/scriptbox/internal/pool"
	"github.com/Syncano/scriptbox/internal/protocol"
	"github.com/Syncano/scriptbox/internal/trace"
)

// ScriptRunner executes one consumed spec. Implemented by protocol.Runner.
type ScriptRunner interface {
	Run(ctx context.Context, spec *model.RunSpec) (*model.Result, error)
}

// Compile-time interface satisfaction check.
var _ ScriptRunner = (*protocol.Runner)(nil)

// Options configures dispatcher concurrency.
type Options struct {
	// Workers is the number of drain goroutines.
	Workers int
	// TaskBuffer bounds the pending drain-task queue.
	TaskBuffer int
}

// Dispatcher drives specs from the queues through execution. Submit enqueues
// and wakes a worker; each worker runs short-lived drain tasks that claim an
// admission slot, pop one spec, execute it and record the trace, with a
// single explicit resubmission point at the end of every task.
type Dispatcher struct {
	queue     *Queue
	admission *Admission
	results   *Results
	traces    trace.Store
	limits    limits.Getter
	runner    ScriptRunner
	logger    *slog.Logger
	opts      Options

	tasks chan string
	wg    sync.WaitGroup
}

// NewDispatcher wires the dispatcher's collaborators.
func NewDispatcher(queue *Queue, admission *Admission, results *Results, traces trace.Store, lim limits.Getter, runner ScriptRunner, logger *slog.Logger, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.TaskBuffer <= 0 {
		opts.TaskBuffer = 1024
	}
	return &Dispatcher{
		queue:     queue,
		admission: admission,
		results:   results,
		traces:    traces,
		limits:    lim,
		runner:    runner,
		logger:    logger,
		opts:      opts,
		tasks:     make(chan string, opts.TaskBuffer),
	}
}

// Start launches the worker goroutines. They exit when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case tenantID := <-d.tasks:
					d.drain(ctx, tenantID)
				}
			}
		}()
	}
}

// Wait blocks until all workers have exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Submit enqueues a spec and wakes a worker for its tenant. A full tenant
// queue marks the spec's trace blocked and returns ErrQueueBlocked.
func (d *Dispatcher) Submit(ctx context.Context, spec *model.RunSpec, priority string) error {
	if err := d.queue.Push(ctx, spec, priority); err != nil {
		if errors.Is(err, ErrQueueBlocked) {
			blockedTotal.Inc()
			d.markTerminal(ctx, spec, model.StatusPending, model.StatusBlocked, nil, nil)
		}
		return err
	}

	queuedTotal.WithLabelValues(priority).Inc()
	d.kick(spec.TenantID)
	return nil
}

// kick schedules a drain task for the tenant. A full task queue means every
// worker is busy; the resubmission point at the end of their current tasks
// picks up the remainder.
func (d *Dispatcher) kick(tenantID string) {
	select {
	case d.tasks <- tenantID:
	default:
	}
}

// drain runs one short-lived task: acquire a slot, pop and execute one spec,
// release, and resubmit while the tenant's queues are non-empty.
func (d *Dispatcher) drain(ctx context.Context, tenantID string) {
	limit := d.limits.Concurrency(ctx, tenantID)

	ok, err := d.admission.Acquire(ctx, tenantID, limit)
	if err != nil {
		d.logger.Error("acquire admission slot", "tenant_id", tenantID, "error", err)
		return
	}
	if !ok {
		// At the concurrency limit. The slot holders resubmit on release.
		return
	}

	d.drainOne(ctx, tenantID)

	if err := d.admission.Release(ctx, tenantID); err != nil {
		d.logger.Error("release admission slot", "tenant_id", tenantID, "error", err)
	}

	// The single resubmission point: another task only when work remains.
	depth, err := d.queue.Depth(ctx, tenantID)
	if err != nil {
		d.logger.Error("check queue depth", "tenant_id", tenantID, "error", err)
		return
	}
	if depth > 0 {
		d.kick(tenantID)
	}
}

func (d *Dispatcher) drainOne(ctx context.Context, tenantID string) {
	key, priority, ok, err := d.queue.Pop(ctx, tenantID)
	if err != nil {
		d.logger.Error("pop queue", "tenant_id", tenantID, "error", err)
		return
	}
	if !ok {
		return
	}

	spec, err := d.queue.Consume(ctx, key)
	if err != nil {
		if errors.Is(err, ErrSpecGone) {
			d.logger.Warn("queued spec expired before pickup", "tenant_id", tenantID, "spec_key", key)
		} else {
			d.logger.Error("consume spec", "tenant_id", tenantID, "spec_key", key, "error", err)
		}
		return
	}

	d.process(ctx, spec, priority)
}

// process executes one consumed spec and records its trace.
func (d *Dispatcher) process(ctx context.Context, spec *model.RunSpec, priority string) {
	now := time.Now().UTC()
	if spec.Expired(now) {
		executionsTotal.WithLabelValues(spec.Runtime, model.StatusQueueTimeout).Inc()
		d.markTerminal(ctx, spec, model.StatusPending, model.StatusQueueTimeout, nil, nil)
		return
	}

	if !d.claim(ctx, spec, now) {
		d.logger.Warn("spec lost its trace claim, dropping",
			"spec_key", spec.Key, "trace_owner", spec.TraceOwner, "trace_id", spec.TraceID)
		return
	}

	start := time.Now()
	result, err := d.runner.Run(ctx, spec)
	durationMS := int(time.Since(start).Milliseconds())

	if err != nil {
		d.handleRunError(ctx, spec, priority, err, durationMS)
		return
	}

	status := protocol.StatusForExit(result.ExitCode)
	executionsTotal.WithLabelValues(spec.Runtime, status).Inc()
	executionDuration.WithLabelValues(spec.Runtime).Observe(time.Since(start).Seconds())

	d.markTerminal(ctx, spec, model.StatusProcessing, status, &durationMS, result)
	d.publish(ctx, spec, result)
}

// handleRunError sorts execution failures into their recovery channels:
// container errors requeue the spec once at the front, everything else is a
// failed run.
func (d *Dispatcher) handleRunError(ctx context.Context, spec *model.RunSpec, priority string, runErr error, durationMS int) {
	containerErr := errors.Is(runErr, pool.ErrCannotCreateContainer) ||
		errors.Is(runErr, protocol.ErrCannotExecContainer)

	if containerErr && !spec.Retried {
		spec.Retried = true
		if err := d.queue.Requeue(ctx, spec, priority); err != nil {
			d.logger.Error("requeue after container error", "spec_key", spec.Key, "error", err)
		} else {
			requeuedTotal.Inc()
			d.logger.Warn("container error, spec requeued", "spec_key", spec.Key, "error", runErr)
			return
		}
	}

	d.logger.Error("script execution failed",
		"spec_key", spec.Key, "runtime", spec.Runtime, "error", runErr)
	executionsTotal.WithLabelValues(spec.Runtime, model.StatusFailure).Inc()

	result := &model.Result{
		Stderr:   "internal error during script execution",
		ExitCode: -1,
	}
	d.markTerminal(ctx, spec, model.StatusProcessing, model.StatusFailure, &durationMS, result)
	d.publish(ctx, spec, result)
}

// claim moves the spec's trace to processing. A requeued spec whose first
// attempt already claimed the trace keeps its claim.
func (d *Dispatcher) claim(ctx context.Context, spec *model.RunSpec, now time.Time) bool {
	if spec.TraceOwner == "" {
		return true
	}

	applied, err := d.traces.Update(ctx, spec.TraceOwner, spec.TraceID, model.StatusPending, func(tr *model.Trace) {
		tr.Status = model.StatusProcessing
		tr.ExecutedAt = &now
		tr.ExecutedByStaff = spec.ExecutedByStaff
	})
	if err != nil {
		d.logger.Error("claim trace", "trace_owner", spec.TraceOwner, "trace_id", spec.TraceID, "error", err)
		return false
	}
	if applied {
		return true
	}

	if spec.Retried {
		tr, err := d.traces.Get(ctx, spec.TraceOwner, spec.TraceID)
		if err == nil && tr.Status == model.StatusProcessing {
			return true
		}
	}
	return false
}

// markTerminal records the spec's trace outcome. A missing trace or a lost
// race is logged and otherwise ignored.
func (d *Dispatcher) markTerminal(ctx context.Context, spec *model.RunSpec, from, to string, durationMS *int, result *model.Result) {
	if spec.TraceOwner == "" {
		return
	}

	applied, err := d.traces.Update(ctx, spec.TraceOwner, spec.TraceID, from, func(tr *model.Trace) {
		tr.Status = to
		if durationMS != nil {
			tr.DurationMS = durationMS
		}
		if result != nil {
			tr.Result = result
		}
	})
	if err != nil {
		d.logger.Error("record trace outcome",
			"trace_owner", spec.TraceOwner, "trace_id", spec.TraceID, "status", to, "error", err)
		return
	}
	if !applied {
		d.logger.Warn("trace outcome not recorded, status moved on",
			"trace_owner", spec.TraceOwner, "trace_id", spec.TraceID, "status", to)
	}
}

// publish delivers the result to a waiting synchronous caller, when any.
func (d *Dispatcher) publish(ctx context.Context, spec *model.RunSpec, result *model.Result) {
	if spec.ResultKey == "" {
		return
	}
	if err := d.results.Publish(ctx, spec.ResultKey, result); err != nil {
		d.logger.Error("publish result", "result_key", spec.ResultKey, "error", err)
	}
}
