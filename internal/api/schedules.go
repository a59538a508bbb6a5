package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Syncano/scriptbox/internal/model"
	"github.com/Syncano/scriptbox/internal/sched"
	"github.com/Syncano/scriptbox/internal/store"
)

// createScheduleRequest is the JSON body for POST /v1/schedules. Exactly one
// of interval_seconds and crontab must be set.
type createScheduleRequest struct {
	ScriptID  string `json:"script_id"`
	IntervalS *int   `json:"interval_seconds"`
	Crontab   string `json:"crontab"`
	Timezone  string `json:"timezone"`
}

type listSchedulesResponse struct {
	Schedules []*model.Schedule `json:"schedules"`
	Total     int               `json:"total"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenantID(w, r)
	if !ok {
		return
	}

	var req createScheduleRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.ScriptID == "" {
		s.writeError(w, http.StatusBadRequest, "script_id is required")
		return
	}
	if (req.IntervalS == nil) == (req.Crontab == "") {
		s.writeError(w, http.StatusBadRequest, "exactly one of interval_seconds and crontab is required")
		return
	}
	if req.IntervalS != nil && *req.IntervalS < 1 {
		s.writeError(w, http.StatusBadRequest, "interval_seconds must be positive")
		return
	}
	if req.Timezone != "" && req.Crontab == "" {
		s.writeError(w, http.StatusBadRequest, "timezone requires crontab")
		return
	}

	if _, err := s.registry.GetScript(r.Context(), tenant, req.ScriptID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "script not found")
			return
		}
		s.logger.Error("get script", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create schedule")
		return
	}

	now := time.Now().UTC()
	schedule := &model.Schedule{
		ID:        model.NewID(),
		TenantID:  tenant,
		ScriptID:  req.ScriptID,
		IntervalS: req.IntervalS,
		Crontab:   req.Crontab,
		Timezone:  req.Timezone,
		CreatedAt: now,
	}

	next, err := sched.NextRun(schedule, now)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	schedule.NextScheduledAt = &next

	if err := s.registry.CreateSchedule(r.Context(), schedule); err != nil {
		s.logger.Error("create schedule", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create schedule")
		return
	}

	s.writeJSON(w, http.StatusCreated, schedule)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenantID(w, r)
	if !ok {
		return
	}

	limit := parseIntQuery(r, "limit", defaultListLimit)
	if limit < 1 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset := parseIntQuery(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	schedules, total, err := s.registry.ListSchedules(r.Context(), tenant, limit, offset)
	if err != nil {
		s.logger.Error("list schedules", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}

	s.writeJSON(w, http.StatusOK, listSchedulesResponse{Schedules: schedules, Total: total})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenantID(w, r)
	if !ok {
		return
	}

	schedule, err := s.registry.GetSchedule(r.Context(), tenant, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		s.logger.Error("get schedule", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get schedule")
		return
	}

	s.writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenantID(w, r)
	if !ok {
		return
	}

	if err := s.registry.DeleteSchedule(r.Context(), tenant, chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		s.logger.Error("delete schedule", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete schedule")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
