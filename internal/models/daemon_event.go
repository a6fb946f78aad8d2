package models

import "time"

// Event types written to the session event log.
const (
	EventStateChanged       = "STATE_CHANGED"
	EventTransitionRejected = "TRANSITION_REJECTED"
	EventScheduleApplied    = "SCHEDULE_APPLIED"
	EventScheduleReloaded   = "SCHEDULE_RELOADED"
	EventDeviceUnresponsive = "DEVICE_UNRESPONSIVE"
	EventConfigChanged      = "CONFIG_CHANGED"
	EventError              = "ERROR"
)

// DaemonEvent is a single log entry.
type DaemonEvent struct {
	EventID     string    `json:"event_id"`
	OccurredAt  time.Time `json:"occurred_at"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Metadata    any       `json:"metadata,omitempty"`
}

// TransitionSource identifies who asked for a transition.
type TransitionSource string

const (
	SourceStartup  TransitionSource = "startup"
	SourceSchedule TransitionSource = "schedule"
	SourceCommand  TransitionSource = "command"
	SourceAPI      TransitionSource = "api"
)

// StateChange is emitted after every accepted transition.
type StateChange struct {
	From       Mode             `json:"from"`
	To         Mode             `json:"to"`
	FromFocus  int              `json:"from_focus"`
	ToFocus    int              `json:"to_focus"`
	Source     TransitionSource `json:"source"`
	OccurredAt time.Time        `json:"occurred_at"`
}
