package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Syncano/scriptbox/internal/model"
	"github.com/Syncano/scriptbox/internal/store"
	"github.com/Syncano/scriptbox/internal/trace"
)

type listTracesResponse struct {
	Traces []*model.Trace `json:"traces"`
}

// ownerFromRequest resolves and authorizes the trace owner named in the URL.
// Script and schedule owners are checked against the registry; trigger and
// webhook owners have no registry backing and pass through.
func (s *Server) ownerFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenant, ok := s.tenantID(w, r)
	if !ok {
		return "", false
	}

	kind := chi.URLParam(r, "kind")
	ownerID := chi.URLParam(r, "ownerID")

	switch kind {
	case model.OwnerScript:
		if _, err := s.registry.GetScript(r.Context(), tenant, ownerID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.writeError(w, http.StatusNotFound, "script not found")
				return "", false
			}
			s.logger.Error("get script", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to resolve trace owner")
			return "", false
		}
	case model.OwnerSchedule:
		if _, err := s.registry.GetSchedule(r.Context(), tenant, ownerID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.writeError(w, http.StatusNotFound, "schedule not found")
				return "", false
			}
			s.logger.Error("get schedule", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to resolve trace owner")
			return "", false
		}
	case model.OwnerTrigger, model.OwnerWebhook:
	default:
		s.writeError(w, http.StatusBadRequest, "unknown trace owner kind")
		return "", false
	}

	return model.OwnerKey(kind, ownerID), true
}

func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.ownerFromRequest(w, r)
	if !ok {
		return
	}

	limit := parseIntQuery(r, "limit", defaultListLimit)
	if limit < 1 || limit > maxListLimit {
		limit = defaultListLimit
	}

	opts := trace.ListOptions{
		Cursor: int64(parseIntQuery(r, "cursor", 0)),
		Limit:  limit,
		Desc:   r.URL.Query().Get("direction") != "asc",
	}
	for _, field := range strings.Split(r.URL.Query().Get("defer"), ",") {
		if field = strings.TrimSpace(field); field != "" {
			opts.Defer = append(opts.Defer, field)
		}
	}

	traces, err := s.traces.List(r.Context(), owner, opts)
	if err != nil {
		s.logger.Error("list traces", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list traces")
		return
	}

	s.writeJSON(w, http.StatusOK, listTracesResponse{Traces: traces})
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.ownerFromRequest(w, r)
	if !ok {
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "traceID"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid trace id")
		return
	}

	tr, err := s.traces.Get(r.Context(), owner, id)
	if err != nil {
		if errors.Is(err, trace.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "trace not found")
			return
		}
		s.logger.Error("get trace", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get trace")
		return
	}

	s.writeJSON(w, http.StatusOK, tr)
}
