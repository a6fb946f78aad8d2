package models

import "time"

// FlushReason records why a Buffer was closed.
type FlushReason string

const (
	FlushWindow      FlushReason = "WINDOW"
	FlushTransition  FlushReason = "TRANSITION"
	FlushPrepareStop FlushReason = "PREPARE_STOP"
	FlushDrain       FlushReason = "DRAIN"
	FlushShutdown    FlushReason = "SHUTDOWN"
)

// Buffer is a time-windowed run of samples sharing one mode and focus code.
// Only the buffer assembler mutates it; it is read-only after Close.
type Buffer struct {
	ID          string          `json:"id"`
	Start       time.Time       `json:"start"`
	End         time.Time       `json:"end"`
	Mode        Mode            `json:"mode"`
	FocusCode   int             `json:"focus_code"`
	Frequencies *FrequencyTable `json:"-"`
	Samples     []Sample        `json:"samples"`
	Gaps        int             `json:"gaps"`
	Dropped     int             `json:"dropped"`
	Closed      bool            `json:"closed"`
	Reason      FlushReason     `json:"reason,omitempty"`
}

// Accepts reports whether s may be appended without crossing a mode or
// focus boundary.
func (b *Buffer) Accepts(s Sample) bool {
	return !b.Closed && s.Mode == b.Mode && s.FocusCode == b.FocusCode
}

// Append adds s and advances End.
func (b *Buffer) Append(s Sample) {
	b.Samples = append(b.Samples, s)
	if s.Time.After(b.End) {
		b.End = s.Time
	}
}

// Close freezes the buffer.
func (b *Buffer) Close(at time.Time, reason FlushReason) {
	b.Closed = true
	b.Reason = reason
	if at.After(b.End) {
		b.End = at
	}
}

// Len returns the number of samples.
func (b *Buffer) Len() int { return len(b.Samples) }

// Channels returns the channel count of the widest sample.
func (b *Buffer) Channels() int {
	n := 0
	for _, s := range b.Samples {
		if len(s.Values) > n {
			n = len(s.Values)
		}
	}
	return n
}
