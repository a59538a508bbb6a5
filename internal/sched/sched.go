// Package sched turns due schedules into queued run specs. A periodic scan
// lists due schedules from the registry; each due instant is claimed once
// across runners with a Redis SETNX lock before a spec is enqueued.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/Syncano/scriptbox/internal/dispatch"
	"github.com/Syncano/scriptbox/internal/limits"
	"github.com/Syncano/scriptbox/internal/model"
	"github.com/Syncano/scriptbox/internal/store"
	"github.com/Syncano/scriptbox/internal/trace"
)

// Submitter enqueues built specs. Implemented by dispatch.Dispatcher.
type Submitter interface {
	Submit(ctx context.Context, spec *model.RunSpec, priority string) error
}

// NextRun computes a schedule's next execution time after now. Interval
// schedules run a fixed duration apart; crontab schedules follow the cron
// expression in the schedule's timezone (UTC when unset).
func NextRun(s *model.Schedule, now time.Time) (time.Time, error) {
	if s.IntervalS != nil && *s.IntervalS > 0 {
		return now.Add(time.Duration(*s.IntervalS) * time.Second).UTC(), nil
	}
	if s.Crontab == "" {
		return time.Time{}, fmt.Errorf("schedule %s has neither interval nor crontab", s.ID)
	}

	loc := time.UTC
	if s.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(s.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("load timezone %q: %w", s.Timezone, err)
		}
	}

	expr, err := cron.ParseStandard(s.Crontab)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse crontab %q: %w", s.Crontab, err)
	}
	return expr.Next(now.In(loc)).UTC(), nil
}

// Options configures the scheduler.
type Options struct {
	// ScanPeriod is the interval between due-schedule scans.
	ScanPeriod time.Duration
	// Grace bounds how late a due instant may fire; beyond it the instant is
	// skipped with a warning rather than executed out of its window.
	Grace time.Duration
	// ClaimTTL is the lifetime of a per-instant claim. Must exceed the
	// longest script timeout so a slow run never double-fires.
	ClaimTTL time.Duration
	// BatchLimit caps due schedules fetched per scan.
	BatchLimit int
	// DefaultTimeoutS applies to scripts without an explicit timeout.
	DefaultTimeoutS int
}

// Scheduler drives recurring script execution.
type Scheduler struct {
	registry  store.Registry
	client    *redis.Client
	submitter Submitter
	traces    trace.Store
	limits    limits.Getter
	logger    *slog.Logger
	opts      Options
}

// NewScheduler wires the scheduler's collaborators.
func NewScheduler(registry store.Registry, client *redis.Client, submitter Submitter, traces trace.Store, lim limits.Getter, logger *slog.Logger, opts Options) *Scheduler {
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 100
	}
	return &Scheduler{
		registry:  registry,
		client:    client,
		submitter: submitter,
		traces:    traces,
		limits:    lim,
		logger:    logger,
		opts:      opts,
	}
}

// Run scans for due schedules until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.ScanPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Scan dispatches every currently due schedule once.
func (s *Scheduler) Scan(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.registry.ListDue(ctx, now, s.opts.BatchLimit)
	if err != nil {
		s.logger.Error("list due schedules", "error", err)
		return
	}

	for _, sched := range due {
		s.dispatchSchedule(ctx, sched, now)
	}
}

func claimKey(scheduleID string, at time.Time) string {
	return fmt.Sprintf("sched:claim:%s:%d", scheduleID, at.Unix())
}

// dispatchSchedule fires one due instant of a schedule: claim it, build and
// enqueue a spec with a pending trace, and advance next_scheduled_at.
func (s *Scheduler) dispatchSchedule(ctx context.Context, sched *model.Schedule, now time.Time) {
	dueAt := *sched.NextScheduledAt

	if s.opts.Grace > 0 && now.Sub(dueAt) > s.opts.Grace {
		s.logger.Warn("schedule overdue beyond grace, skipping instant",
			"schedule_id", sched.ID, "due_at", dueAt, "late_by", now.Sub(dueAt).String())
		s.advance(ctx, sched, now)
		return
	}

	claimed, err := s.client.SetNX(ctx, claimKey(sched.ID, dueAt), "1", s.opts.ClaimTTL).Result()
	if err != nil {
		s.logger.Error("claim schedule instant", "schedule_id", sched.ID, "error", err)
		return
	}
	if !claimed {
		// Another runner owns this instant and advances the schedule.
		return
	}

	script, err := s.registry.GetScript(ctx, sched.TenantID, sched.ScriptID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("schedule references missing script",
				"schedule_id", sched.ID, "script_id", sched.ScriptID)
		} else {
			s.logger.Error("load scheduled script", "schedule_id", sched.ID, "error", err)
		}
		s.advance(ctx, sched, now)
		return
	}

	owner := model.OwnerKey(model.OwnerSchedule, sched.ID)
	tr := &model.Trace{Status: model.StatusPending}
	if err := s.traces.Create(ctx, owner, tr); err != nil {
		s.logger.Error("create schedule trace", "schedule_id", sched.ID, "error", err)
		s.advance(ctx, sched, now)
		return
	}

	timeoutS := script.TimeoutS
	if timeoutS <= 0 {
		timeoutS = s.opts.DefaultTimeoutS
	}

	spec := &model.RunSpec{
		Key:              model.NewID(),
		TenantID:         sched.TenantID,
		Runtime:          script.Runtime,
		Source:           script.Source,
		Config:           script.Config,
		TimeoutS:         timeoutS,
		ConcurrencyLimit: s.limits.Concurrency(ctx, sched.TenantID),
		TraceOwner:       owner,
		TraceID:          tr.ID,
	}

	if err := s.submitter.Submit(ctx, spec, model.PriorityNormal); err != nil {
		if errors.Is(err, dispatch.ErrQueueBlocked) {
			s.logger.Warn("scheduled run blocked, tenant queue full",
				"schedule_id", sched.ID, "tenant_id", sched.TenantID)
		} else {
			s.logger.Error("submit scheduled run", "schedule_id", sched.ID, "error", err)
		}
	}

	s.advance(ctx, sched, now)
}

// advance moves the schedule's next_scheduled_at past now.
func (s *Scheduler) advance(ctx context.Context, sched *model.Schedule, now time.Time) {
	next, err := NextRun(sched, now)
	if err != nil {
		s.logger.Error("compute next run", "schedule_id", sched.ID, "error", err)
		return
	}
	if err := s.registry.UpdateScheduleNextRun(ctx, sched.ID, next); err != nil {
		s.logger.Error("advance schedule", "schedule_id", sched.ID, "error", err)
	}
}
