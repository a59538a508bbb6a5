package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/Syncano/scriptbox/internal/dispatch"
	"github.com/Syncano/scriptbox/internal/model"
)

func createTestScript(t *testing.T, env *testEnv) *model.Script {
	t.Helper()

	body := `{"runtime":"python","source":"print('hi')","timeout_s":10}`
	rec := doRequest(t, env, http.MethodPost, "/v1/scripts", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create script status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var script model.Script
	if err := json.NewDecoder(rec.Body).Decode(&script); err != nil {
		t.Fatalf("decode script: %v", err)
	}
	return &script
}

func TestCreateScriptValid(t *testing.T) {
	env := newTestEnv(t)

	script := createTestScript(t, env)
	if len(script.ID) != 26 {
		t.Errorf("ID length = %d, want 26", len(script.ID))
	}
	if script.TenantID != "tenant-1" {
		t.Errorf("TenantID = %q, want tenant-1", script.TenantID)
	}
	if script.Runtime != "python" {
		t.Errorf("Runtime = %q, want python", script.Runtime)
	}
	if script.TimeoutS != 10 {
		t.Errorf("TimeoutS = %d, want 10", script.TimeoutS)
	}
}

func TestCreateScriptDefaultsTimeout(t *testing.T) {
	env := newTestEnv(t)

	rec := doRequest(t, env, http.MethodPost, "/v1/scripts", `{"runtime":"python","source":"pass"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}

	var script model.Script
	json.NewDecoder(rec.Body).Decode(&script)
	if script.TimeoutS != 30 {
		t.Errorf("TimeoutS = %d, want default 30", script.TimeoutS)
	}
}

func TestCreateScriptValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid JSON", "not json"},
		{"missing runtime", `{"source":"pass"}`},
		{"unknown runtime", `{"runtime":"cobol","source":"pass"}`},
		{"missing source", `{"runtime":"python"}`},
		{"zero timeout", `{"runtime":"python","source":"pass","timeout_s":0}`},
		{"excessive timeout", `{"runtime":"python","source":"pass","timeout_s":9999}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, env, http.MethodPost, "/v1/scripts", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestGetScriptTenantScoped(t *testing.T) {
	env := newTestEnv(t)
	script := createTestScript(t, env)

	rec := doRequest(t, env, http.MethodGet, "/v1/scripts/"+script.ID, "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	// Another tenant must not see it.
	other := doTenantRequest(t, env, "tenant-2", http.MethodGet, "/v1/scripts/"+script.ID, "")
	if other.Code != http.StatusNotFound {
		t.Errorf("cross-tenant status = %d, want 404", other.Code)
	}
}

func TestUpdateScript(t *testing.T) {
	env := newTestEnv(t)
	script := createTestScript(t, env)

	rec := doRequest(t, env, http.MethodPut, "/v1/scripts/"+script.ID, `{"source":"print('new')","timeout_s":20}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var updated model.Script
	json.NewDecoder(rec.Body).Decode(&updated)
	if updated.Source != "print('new')" {
		t.Errorf("Source = %q, want updated source", updated.Source)
	}
	if updated.TimeoutS != 20 {
		t.Errorf("TimeoutS = %d, want 20", updated.TimeoutS)
	}
	if updated.Runtime != "python" {
		t.Errorf("Runtime = %q, want unchanged python", updated.Runtime)
	}
}

func TestDeleteScript(t *testing.T) {
	env := newTestEnv(t)
	script := createTestScript(t, env)

	rec := doRequest(t, env, http.MethodDelete, "/v1/scripts/"+script.ID, "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}

	rec = doRequest(t, env, http.MethodGet, "/v1/scripts/"+script.ID, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestListScriptsPaging(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		createTestScript(t, env)
	}

	rec := doRequest(t, env, http.MethodGet, "/v1/scripts?limit=2&offset=0", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp listScriptsResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp.Scripts) != 2 {
		t.Errorf("len(Scripts) = %d, want 2", len(resp.Scripts))
	}
	if resp.Total != 5 {
		t.Errorf("Total = %d, want 5", resp.Total)
	}
}

func TestRunScriptAsync(t *testing.T) {
	env := newTestEnv(t)
	script := createTestScript(t, env)

	rec := doRequest(t, env, http.MethodPost, "/v1/scripts/"+script.ID+"/run", `{"args":{"name":"x"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var ref traceRef
	json.NewDecoder(rec.Body).Decode(&ref)
	wantOwner := model.OwnerKey(model.OwnerScript, script.ID)
	if ref.TraceOwner != wantOwner {
		t.Errorf("TraceOwner = %q, want %q", ref.TraceOwner, wantOwner)
	}
	if ref.TraceID != 1 {
		t.Errorf("TraceID = %d, want 1", ref.TraceID)
	}

	specs := env.submitter.submitted()
	if len(specs) != 1 {
		t.Fatalf("submitted %d specs, want 1", len(specs))
	}
	spec := specs[0]
	if spec.Runtime != "python" || spec.Source != "print('hi')" {
		t.Errorf("spec carries wrong script: %+v", spec)
	}
	if spec.TimeoutS != 10 {
		t.Errorf("spec TimeoutS = %d, want 10", spec.TimeoutS)
	}
	if spec.ConcurrencyLimit != 2 {
		t.Errorf("spec ConcurrencyLimit = %d, want 2", spec.ConcurrencyLimit)
	}
	if spec.ResultKey != "" {
		t.Errorf("async run should not set ResultKey, got %q", spec.ResultKey)
	}

	tr, err := env.traces.Get(context.Background(), wantOwner, ref.TraceID)
	if err != nil {
		t.Fatalf("Get trace: %v", err)
	}
	if tr.Status != model.StatusPending {
		t.Errorf("trace status = %q, want pending", tr.Status)
	}
}

func TestRunScriptStaffFlag(t *testing.T) {
	env := newTestEnv(t)
	script := createTestScript(t, env)

	rec := doRequest(t, env, http.MethodPost, "/v1/scripts/"+script.ID+"/run", `{"executed_by_staff":true}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	specs := env.submitter.submitted()
	if len(specs) != 1 {
		t.Fatalf("submitted %d specs, want 1", len(specs))
	}
	if !specs[0].ExecutedByStaff {
		t.Error("spec does not carry the staff execution flag")
	}
}

func TestRunScriptEmptyBody(t *testing.T) {
	env := newTestEnv(t)
	script := createTestScript(t, env)

	rec := doRequest(t, env, http.MethodPost, "/v1/scripts/"+script.ID+"/run", "")
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}
}

func TestRunScriptWaitRawResult(t *testing.T) {
	env := newTestEnv(t)
	script := createTestScript(t, env)

	env.submitter.fn = func(spec *model.RunSpec) {
		go func() {
			time.Sleep(50 * time.Millisecond)
			env.results.Publish(context.Background(), spec.ResultKey, &model.Result{
				Stdout:   "hello",
				ExitCode: 0,
			})
		}()
	}

	rec := doRequest(t, env, http.MethodPost, "/v1/scripts/"+script.ID+"/run?wait=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var result model.Result
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Stdout != "hello" {
		t.Errorf("Stdout = %q, want hello", result.Stdout)
	}
}

func TestRunScriptWaitStructuredResponse(t *testing.T) {
	env := newTestEnv(t)
	script := createTestScript(t, env)

	env.submitter.fn = func(spec *model.RunSpec) {
		go func() {
			time.Sleep(50 * time.Millisecond)
			env.results.Publish(context.Background(), spec.ResultKey, &model.Result{
				ExitCode: 0,
				Response: &model.Response{
					Status:      http.StatusTeapot,
					ContentType: "text/html",
					Content:     "<b>done</b>",
					Headers:     map[string]string{"X-Custom": "yes"},
				},
			})
		}()
	}

	rec := doRequest(t, env, http.MethodPost, "/v1/scripts/"+script.ID+"/run?wait=true", "")
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want 418", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/html" {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
	if rec.Header().Get("X-Custom") != "yes" {
		t.Error("custom header not propagated")
	}
	if rec.Body.String() != "<b>done</b>" {
		t.Errorf("body = %q, want rendered content", rec.Body.String())
	}
}

func TestRunScriptWaitTimeoutFallsBackToTraceRef(t *testing.T) {
	env := newTestEnv(t)
	script := createTestScript(t, env)
	// No result is ever published; the wait should fall back to a trace ref.

	rec := doRequest(t, env, http.MethodPost, "/v1/scripts/"+script.ID+"/run?wait=true", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	var ref traceRef
	json.NewDecoder(rec.Body).Decode(&ref)
	if ref.TraceID != 1 {
		t.Errorf("TraceID = %d, want 1", ref.TraceID)
	}

	specs := env.submitter.submitted()
	if len(specs) != 1 {
		t.Fatalf("submitted %d specs, want 1", len(specs))
	}
	if specs[0].ResultKey == "" {
		t.Error("wait run should set ResultKey")
	}
	if specs[0].ExpireAt == nil {
		t.Error("wait run should set ExpireAt")
	}
}

func TestRunScriptQueueBlocked(t *testing.T) {
	env := newTestEnv(t)
	script := createTestScript(t, env)
	env.submitter.err = fmt.Errorf("submit: %w", dispatch.ErrQueueBlocked)

	rec := doRequest(t, env, http.MethodPost, "/v1/scripts/"+script.ID+"/run", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
}

func TestRunScriptNotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := doRequest(t, env, http.MethodPost, "/v1/scripts/nope/run", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
