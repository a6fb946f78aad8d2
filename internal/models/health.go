package models

import "time"

// Health reports a serial device's responsiveness.
type Health struct {
	Device              string    `json:"device"`
	Responsive          bool      `json:"responsive"`
	ConsecutiveTimeouts int       `json:"consecutive_timeouts"`
	Exchanges           int64     `json:"exchanges"`
	LastError           string    `json:"last_error,omitempty"`
	LastSeen            time.Time `json:"last_seen,omitempty"`
}
