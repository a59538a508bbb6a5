package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Syncano/scriptbox/internal/dispatch"
	"github.com/Syncano/scriptbox/internal/model"
	"github.com/Syncano/scriptbox/internal/runtime"
	"github.com/Syncano/scriptbox/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createScriptRequest is the JSON body for POST /v1/scripts.
type createScriptRequest struct {
	Runtime  string          `json:"runtime"`
	Source   string          `json:"source"`
	Config   json.RawMessage `json:"config"`
	TimeoutS *int            `json:"timeout_s"`
}

// runScriptRequest is the JSON body for POST /v1/scripts/{id}/run.
type runScriptRequest struct {
	Args            json.RawMessage `json:"args"`
	Meta            json.RawMessage `json:"meta"`
	ExecutedByStaff bool            `json:"executed_by_staff"`
}

type listScriptsResponse struct {
	Scripts []*model.Script `json:"scripts"`
	Total   int             `json:"total"`
}

// traceRef points an asynchronous caller at the trace created for its run.
type traceRef struct {
	TraceOwner string `json:"trace_owner"`
	TraceID    int64  `json:"trace_id"`
}

func (s *Server) handleCreateScript(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenantID(w, r)
	if !ok {
		return
	}

	var req createScriptRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Runtime == "" {
		s.writeError(w, http.StatusBadRequest, "runtime is required")
		return
	}
	if _, err := runtime.Get(req.Runtime); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Source == "" {
		s.writeError(w, http.StatusBadRequest, "source is required")
		return
	}

	timeout, errMsg := s.resolveTimeout(req.TimeoutS)
	if errMsg != "" {
		s.writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	script := &model.Script{
		ID:        model.NewID(),
		TenantID:  tenant,
		Runtime:   req.Runtime,
		Source:    req.Source,
		Config:    req.Config,
		TimeoutS:  timeout,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.registry.CreateScript(r.Context(), script); err != nil {
		s.logger.Error("create script", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create script")
		return
	}

	s.writeJSON(w, http.StatusCreated, script)
}

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
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

	scripts, total, err := s.registry.ListScripts(r.Context(), tenant, limit, offset)
	if err != nil {
		s.logger.Error("list scripts", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list scripts")
		return
	}

	s.writeJSON(w, http.StatusOK, listScriptsResponse{Scripts: scripts, Total: total})
}

func (s *Server) handleGetScript(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenantID(w, r)
	if !ok {
		return
	}

	script, err := s.registry.GetScript(r.Context(), tenant, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "script not found")
			return
		}
		s.logger.Error("get script", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get script")
		return
	}

	s.writeJSON(w, http.StatusOK, script)
}

func (s *Server) handleUpdateScript(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenantID(w, r)
	if !ok {
		return
	}

	script, err := s.registry.GetScript(r.Context(), tenant, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "script not found")
			return
		}
		s.logger.Error("get script", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get script")
		return
	}

	var req createScriptRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Runtime != "" {
		if _, err := runtime.Get(req.Runtime); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		script.Runtime = req.Runtime
	}
	if req.Source != "" {
		script.Source = req.Source
	}
	if req.Config != nil {
		script.Config = req.Config
	}
	if req.TimeoutS != nil {
		timeout, errMsg := s.resolveTimeout(req.TimeoutS)
		if errMsg != "" {
			s.writeError(w, http.StatusBadRequest, errMsg)
			return
		}
		script.TimeoutS = timeout
	}

	if err := s.registry.UpdateScript(r.Context(), script); err != nil {
		s.logger.Error("update script", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to update script")
		return
	}

	s.writeJSON(w, http.StatusOK, script)
}

func (s *Server) handleDeleteScript(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenantID(w, r)
	if !ok {
		return
	}

	if err := s.registry.DeleteScript(r.Context(), tenant, chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "script not found")
			return
		}
		s.logger.Error("delete script", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete script")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunScript(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenantID(w, r)
	if !ok {
		return
	}

	script, err := s.registry.GetScript(r.Context(), tenant, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "script not found")
			return
		}
		s.logger.Error("get script", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get script")
		return
	}

	// The run body is optional; an empty body means no args.
	var req runScriptRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	wait := r.URL.Query().Get("wait") == "true"

	owner := model.OwnerKey(model.OwnerScript, script.ID)
	tr := &model.Trace{Status: model.StatusPending}
	if err := s.traces.Create(r.Context(), owner, tr); err != nil {
		s.logger.Error("create trace", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to record run")
		return
	}

	spec := &model.RunSpec{
		Key:              model.NewID(),
		TenantID:         tenant,
		Runtime:          script.Runtime,
		Source:           script.Source,
		Config:           script.Config,
		Meta:             req.Meta,
		Args:             req.Args,
		TimeoutS:         script.TimeoutS,
		ConcurrencyLimit: s.limits.Concurrency(r.Context(), tenant),
		TraceOwner:       owner,
		TraceID:          tr.ID,
		ExecutedByStaff:  req.ExecutedByStaff,
	}

	ref := traceRef{TraceOwner: owner, TraceID: tr.ID}

	if !wait {
		if err := s.dispatcher.Submit(r.Context(), spec, model.PriorityHigh); err != nil {
			s.submitError(w, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, ref)
		return
	}

	expireAt := time.Now().Add(s.opts.WaitTimeout)
	spec.ResultKey = spec.Key
	spec.ExpireAt = &expireAt

	// Subscribe before submitting so a fast result cannot slip past us.
	payloads, cancel, err := s.results.Subscribe(r.Context(), spec.ResultKey)
	if err != nil {
		s.logger.Error("subscribe result", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to wait for result")
		return
	}
	defer cancel()

	if err := s.dispatcher.Submit(r.Context(), spec, model.PriorityHigh); err != nil {
		s.submitError(w, err)
		return
	}

	timer := time.NewTimer(s.opts.WaitTimeout)
	defer timer.Stop()

	select {
	case payload := <-payloads:
		s.writeResultPayload(w, payload)
	case <-timer.C:
		s.writeJSON(w, http.StatusAccepted, ref)
	case <-r.Context().Done():
	}
}

// writeResultPayload renders a delivered execution result. Structured
// responses control their own status, content type and headers; raw results
// are returned as JSON.
func (s *Server) writeResultPayload(w http.ResponseWriter, payload dispatch.ResultPayload) {
	if !payload.Structured {
		var result model.Result
		if err := json.Unmarshal(payload.Data, &result); err != nil {
			s.logger.Error("decode result payload", "error", err)
			s.writeError(w, http.StatusInternalServerError, "malformed result")
			return
		}
		s.writeJSON(w, http.StatusOK, &result)
		return
	}

	var resp model.Response
	if err := json.Unmarshal(payload.Data, &resp); err != nil {
		s.logger.Error("decode response payload", "error", err)
		s.writeError(w, http.StatusInternalServerError, "malformed response")
		return
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	contentType := resp.ContentType
	if contentType == "" {
		contentType = "text/plain"
	}
	w.Header().Set("Content-Type", contentType)
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if _, err := w.Write([]byte(resp.Content)); err != nil {
		s.logger.Error("write response content", "error", err)
	}
}

// submitError maps dispatcher submission failures to HTTP responses.
func (s *Server) submitError(w http.ResponseWriter, err error) {
	if errors.Is(err, dispatch.ErrQueueBlocked) {
		s.writeError(w, http.StatusTooManyRequests, "tenant queue is full")
		return
	}
	s.logger.Error("submit spec", "error", err)
	s.writeError(w, http.StatusInternalServerError, "failed to submit run")
}

// resolveTimeout applies the default and cap to an optional timeout.
// Returns a non-empty message on validation failure.
func (s *Server) resolveTimeout(v *int) (int, string) {
	if v == nil {
		return s.opts.DefaultTimeoutS, ""
	}
	if *v < 1 {
		return 0, "timeout_s must be positive"
	}
	if s.opts.MaxTimeoutS > 0 && *v > s.opts.MaxTimeoutS {
		return 0, "timeout_s exceeds maximum of " + strconv.Itoa(s.opts.MaxTimeoutS)
	}
	return *v, ""
}

// tenantID extracts the calling tenant from the X-Tenant-Id header, writing
// a 400 response when absent.
func (s *Server) tenantID(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenant := r.Header.Get("X-Tenant-Id")
	if tenant == "" {
		s.writeError(w, http.StatusBadRequest, "X-Tenant-Id header is required")
		return "", false
	}
	return tenant, true
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
