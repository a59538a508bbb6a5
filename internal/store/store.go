package store

import (
	"context"
	"time"

	"github.com/Syncano/scriptbox/internal/model"
)

// Registry defines the persistence operations for scripts and schedules.
type Registry interface {
	CreateScript(ctx context.Context, s *model.Script) error
	GetScript(ctx context.Context, tenantID, id string) (*model.Script, error)
	ListScripts(ctx context.Context, tenantID string, limit, offset int) ([]*model.Script, int, error)
	UpdateScript(ctx context.Context, s *model.Script) error
	DeleteScript(ctx context.Context, tenantID, id string) error

	CreateSchedule(ctx context.Context, sc *model.Schedule) error
	GetSchedule(ctx context.Context, tenantID, id string) (*model.Schedule, error)
	ListSchedules(ctx context.Context, tenantID string, limit, offset int) ([]*model.Schedule, int, error)
	UpdateScheduleNextRun(ctx context.Context, id string, next time.Time) error
	DeleteSchedule(ctx context.Context, tenantID, id string) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Schedule, error)

	Close() error
}
