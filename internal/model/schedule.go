package model

import "time"

// Script is a registered unit of user-supplied code.
type Script struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Runtime   string    `json:"runtime"`
	Source    string    `json:"source"`
	Config    []byte    `json:"config,omitempty"`
	TimeoutS  int       `json:"timeout_s"`
	CreatedAt time.Time `json:"created_at"`
}

// Schedule describes a recurring execution of a script. Exactly one of
// IntervalS and Crontab is set.
type Schedule struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	ScriptID        string     `json:"script_id"`
	IntervalS       *int       `json:"interval_seconds,omitempty"`
	Crontab         string     `json:"crontab,omitempty"`
	Timezone        string     `json:"timezone,omitempty"`
	NextScheduledAt *time.Time `json:"next_scheduled_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}
