package models

import (
	"fmt"
	"time"
)

// ScheduleEntry is one line of the schedule: at time-of-day (UTC) switch to
// Mode with FocusCode.
type ScheduleEntry struct {
	At        time.Duration `json:"at"` // offset from UTC midnight
	FocusCode int           `json:"focus_code"`
	Mode      Mode          `json:"mode"`
}

// Clock formats At as HH:MM:SS.
func (e ScheduleEntry) Clock() string {
	s := int(e.At / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s/60)%60, s%60)
}

func (e ScheduleEntry) String() string {
	return fmt.Sprintf("%s,%02d,%d", e.Clock(), e.FocusCode, e.Mode.Code())
}

// TimeOfDay returns the offset of t from its UTC midnight.
func TimeOfDay(t time.Time) time.Duration {
	u := t.UTC()
	midnight := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return u.Sub(midnight)
}

// Midnight returns the UTC midnight preceding t.
func Midnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
