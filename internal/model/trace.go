package model

import "time"

// Trace status constants.
const (
	StatusPending      = "pending"
	StatusProcessing   = "processing"
	StatusSuccess      = "success"
	StatusFailure      = "failure"
	StatusTimeout      = "timeout"
	StatusQueueTimeout = "queue_timeout"
	StatusBlocked      = "blocked"
)

// Owner kind constants for trace ownership.
const (
	OwnerScript   = "script"
	OwnerSchedule = "schedule"
	OwnerTrigger  = "trigger"
	OwnerWebhook  = "webhook"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no outgoing transitions.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusProcessing:   true,
		StatusBlocked:      true,
		StatusQueueTimeout: true,
		StatusFailure:      true,
	},
	StatusProcessing: {
		StatusSuccess: true,
		StatusFailure: true,
		StatusTimeout: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether a status is final. Terminal traces are never
// mutated again by the dispatch pipeline.
func Terminal(status string) bool {
	switch status {
	case StatusSuccess, StatusFailure, StatusTimeout, StatusQueueTimeout, StatusBlocked:
		return true
	}
	return false
}

// Response is an optional HTTP-style response produced by user code through
// the set_response hook, parsed from the separated stdout suffix.
type Response struct {
	Status      int               `json:"status"`
	ContentType string            `json:"content_type"`
	Content     string            `json:"content"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Result holds the captured output of one execution.
type Result struct {
	Stdout   string    `json:"stdout"`
	Stderr   string    `json:"stderr,omitempty"`
	ExitCode int       `json:"exit_code"`
	Response *Response `json:"response,omitempty"`
}

// Trace is the queryable record of one execution. It belongs to exactly one
// owner (script, schedule, trigger or webhook) and carries a per-owner
// monotonic id assigned by the trace store.
type Trace struct {
	ID              int64      `json:"id"`
	Status          string     `json:"status"`
	ExecutedAt      *time.Time `json:"executed_at,omitempty"`
	DurationMS      *int       `json:"duration_ms,omitempty"`
	Result          *Result    `json:"result,omitempty"`
	ExecutedByStaff bool       `json:"executed_by_staff,omitempty"`
}

// OwnerKey builds the storage key for a trace owner.
func OwnerKey(kind, id string) string {
	return kind + ":" + id
}
