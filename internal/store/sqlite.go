package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Syncano/scriptbox/internal/model"

	_ "modernc.org/sqlite"
)

const createScriptsTable = `
CREATE TABLE IF NOT EXISTS scripts (
    id         TEXT PRIMARY KEY,
    tenant_id  TEXT NOT NULL,
    runtime    TEXT NOT NULL,
    source     TEXT NOT NULL,
    config     BLOB,
    timeout_s  INTEGER NOT NULL,
    created_at DATETIME NOT NULL
)`

const createSchedulesTable = `
CREATE TABLE IF NOT EXISTS schedules (
    id                TEXT PRIMARY KEY,
    tenant_id         TEXT NOT NULL,
    script_id         TEXT NOT NULL,
    interval_s        INTEGER,
    crontab           TEXT,
    timezone          TEXT,
    next_scheduled_at DATETIME,
    created_at        DATETIME NOT NULL,
    FOREIGN KEY (script_id) REFERENCES scripts(id) ON DELETE CASCADE
)`

const createSchedulesDueIndex = `
CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(next_scheduled_at)`

// ErrNotFound is returned when a script or schedule is not found.
var ErrNotFound = errors.New("not found")

// Compile-time interface satisfaction check.
var _ Registry = (*SQLiteStore)(nil)

// SQLiteStore implements Registry using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	for _, stmt := range []string{createScriptsTable, createSchedulesTable, createSchedulesDueIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateScript inserts a new script record.
func (s *SQLiteStore) CreateScript(ctx context.Context, sc *model.Script) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scripts (id, tenant_id, runtime, source, config, timeout_s, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.TenantID, sc.Runtime, sc.Source, sc.Config, sc.TimeoutS, sc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert script: %w", err)
	}
	return nil
}

// GetScript retrieves a script by tenant and id.
func (s *SQLiteStore) GetScript(ctx context.Context, tenantID, id string) (*model.Script, error) {
	sc := &model.Script{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, runtime, source, config, timeout_s, created_at
		FROM scripts WHERE tenant_id = ? AND id = ?`, tenantID, id,
	).Scan(&sc.ID, &sc.TenantID, &sc.Runtime, &sc.Source, &sc.Config, &sc.TimeoutS, &sc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get script: %w", err)
	}
	return sc, nil
}

// ListScripts returns a paginated list of a tenant's scripts ordered by
// created_at DESC, along with the tenant's total count.
func (s *SQLiteStore) ListScripts(ctx context.Context, tenantID string, limit, offset int) ([]*model.Script, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM scripts WHERE tenant_id = ?", tenantID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count scripts: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, tenant_id, runtime, source, config, timeout_s, created_at
		FROM scripts WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		tenantID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list scripts: %w", err)
	}
	defer rows.Close()

	var scripts []*model.Script
	for rows.Next() {
		sc := &model.Script{}
		if err := rows.Scan(&sc.ID, &sc.TenantID, &sc.Runtime, &sc.Source, &sc.Config, &sc.TimeoutS, &sc.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan script: %w", err)
		}
		scripts = append(scripts, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate scripts: %w", err)
	}

	return scripts, total, nil
}

// UpdateScript replaces the mutable fields of a script.
func (s *SQLiteStore) UpdateScript(ctx context.Context, sc *model.Script) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE scripts SET runtime = ?, source = ?, config = ?, timeout_s = ?
		WHERE tenant_id = ? AND id = ?`,
		sc.Runtime, sc.Source, sc.Config, sc.TimeoutS, sc.TenantID, sc.ID,
	)
	if err != nil {
		return fmt.Errorf("update script: %w", err)
	}
	return requireRow(result)
}

// DeleteScript removes a script. Its schedules are removed by cascade.
func (s *SQLiteStore) DeleteScript(ctx context.Context, tenantID, id string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM scripts WHERE tenant_id = ? AND id = ?", tenantID, id,
	)
	if err != nil {
		return fmt.Errorf("delete script: %w", err)
	}
	return requireRow(result)
}

// CreateSchedule inserts a new schedule record.
func (s *SQLiteStore) CreateSchedule(ctx context.Context, sc *model.Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, tenant_id, script_id, interval_s, crontab, timezone, next_scheduled_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.TenantID, sc.ScriptID, sc.IntervalS, sc.Crontab, sc.Timezone, sc.NextScheduledAt, sc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// GetSchedule retrieves a schedule by tenant and id.
func (s *SQLiteStore) GetSchedule(ctx context.Context, tenantID, id string) (*model.Schedule, error) {
	sc := &model.Schedule{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, script_id, interval_s, crontab, timezone, next_scheduled_at, created_at
		FROM schedules WHERE tenant_id = ? AND id = ?`, tenantID, id,
	).Scan(&sc.ID, &sc.TenantID, &sc.ScriptID, &sc.IntervalS, &sc.Crontab, &sc.Timezone, &sc.NextScheduledAt, &sc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sc, nil
}

// ListSchedules returns a paginated list of a tenant's schedules ordered by
// created_at DESC, along with the tenant's total count.
func (s *SQLiteStore) ListSchedules(ctx context.Context, tenantID string, limit, offset int) ([]*model.Schedule, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM schedules WHERE tenant_id = ?", tenantID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count schedules: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, tenant_id, script_id, interval_s, crontab, timezone, next_scheduled_at, created_at
		FROM schedules WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		tenantID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	schedules, err := scanSchedules(rows)
	if err != nil {
		return nil, 0, err
	}
	return schedules, total, nil
}

// UpdateScheduleNextRun advances a schedule's next execution time.
func (s *SQLiteStore) UpdateScheduleNextRun(ctx context.Context, id string, next time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE schedules SET next_scheduled_at = ? WHERE id = ?", next.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update schedule next run: %w", err)
	}
	return requireRow(result)
}

// DeleteSchedule removes a schedule.
func (s *SQLiteStore) DeleteSchedule(ctx context.Context, tenantID, id string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM schedules WHERE tenant_id = ? AND id = ?", tenantID, id,
	)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return requireRow(result)
}

// ListDue returns schedules whose next execution time is at or before now,
// oldest first, across all tenants.
func (s *SQLiteStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, script_id, interval_s, crontab, timezone, next_scheduled_at, created_at
		FROM schedules
		WHERE next_scheduled_at IS NOT NULL AND next_scheduled_at <= ?
		ORDER BY next_scheduled_at ASC LIMIT ?`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()

	return scanSchedules(rows)
}

func scanSchedules(rows *sql.Rows) ([]*model.Schedule, error) {
	var schedules []*model.Schedule
	for rows.Next() {
		sc := &model.Schedule{}
		if err := rows.Scan(&sc.ID, &sc.TenantID, &sc.ScriptID, &sc.IntervalS, &sc.Crontab, &sc.Timezone, &sc.NextScheduledAt, &sc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return schedules, nil
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
