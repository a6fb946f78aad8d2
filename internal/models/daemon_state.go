package models

import "time"

// DaemonState is the persisted snapshot of the current mode (single row).
type DaemonState struct {
	ID           int              `json:"id"`
	Mode         Mode             `json:"mode"`
	FocusCode    int              `json:"focus_code"`
	OutputFormat string           `json:"output_format"`
	Source       TransitionSource `json:"source"`
	ErrorCodes   []string         `json:"error_codes,omitempty"` // e.g. ["RECEIVER_UNRESPONSIVE"]
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Status is the read-only view served to operators.
type Status struct {
	Mode            string            `json:"mode"`
	ModeCode        int               `json:"mode_code"`
	FocusCode       int               `json:"focus_code"`
	OutputFormat    string            `json:"output_format"`
	BufferFill      int               `json:"buffer_fill"`
	BufferStart     time.Time         `json:"buffer_start,omitempty"`
	Flushes         int64             `json:"flushes"`
	SinkFailures    int64             `json:"sink_failures"`
	SinkMisses      int64             `json:"sink_misses"`
	Gaps            int64             `json:"gaps"`
	Dropped         int64             `json:"dropped"`
	Receiver        Health            `json:"receiver"`
	Calibration     *Health           `json:"calibration,omitempty"`
	CalState        *CalibrationState `json:"calibration_state,omitempty"`
	NextEntry       *ScheduleEntry    `json:"next_entry,omitempty"`
	LastTransition  time.Time         `json:"last_transition,omitempty"`
	TransitionCount int64             `json:"transition_count"`
	StartedAt       time.Time         `json:"started_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Operator is an API user allowed to drive the daemon over HTTP.
type Operator struct {
	ID           int    `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"` // don’t expose hash
}
