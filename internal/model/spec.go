package model

import (
	"encoding/json"
	"time"
)

// Queue priority constants. User-interactive incentives (webhooks, ad-hoc
// runs) go to the priority queue, batch incentives to the normal queue.
const (
	PriorityHigh   = "priority"
	PriorityNormal = "normal"
)

// RunSpec is the serialized job descriptor produced by an incentive and
// consumed exactly once by a worker. It is persisted transiently with a TTL
// in the spec store until a worker claims it.
type RunSpec struct {
	Key      string `json:"key"`
	TenantID string `json:"tenant_id"`

	Runtime string          `json:"runtime"`
	Source  string          `json:"source"`
	Config  json.RawMessage `json:"config,omitempty"`
	Meta    json.RawMessage `json:"meta,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`

	TimeoutS         int `json:"timeout_s"`
	ConcurrencyLimit int `json:"concurrency_limit"`

	// ResultKey, when set, names the pub/sub channel a synchronous caller
	// is waiting on.
	ResultKey string `json:"result_key,omitempty"`

	// ResponseTemplate optionally names a response template applied by the
	// caller when rendering a structured response.
	ResponseTemplate string `json:"response_template,omitempty"`

	// TraceOwner and TraceID reference the pending trace created for this run.
	TraceOwner string `json:"trace_owner,omitempty"`
	TraceID    int64  `json:"trace_id,omitempty"`

	// ExpireAt, when set, marks the instant after which the spec must not be
	// executed; stale specs are recorded as queue_timeout.
	ExpireAt *time.Time `json:"expire_at,omitempty"`

	ExecutedByStaff bool `json:"executed_by_staff,omitempty"`

	// Retried marks a spec that was requeued after a container failure.
	// A spec is requeued at most once.
	Retried bool `json:"retried,omitempty"`
}

// Expired reports whether the spec's expiry has passed at the given instant.
func (s *RunSpec) Expired(now time.Time) bool {
	return s.ExpireAt != nil && now.After(*s.ExpireAt)
}
