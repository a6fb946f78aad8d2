package service

import (
	"context"
	"time"

	"callisto_daemon/internal/acquisition"
	"callisto_daemon/internal/buffer"
	"callisto_daemon/internal/clock"
	"callisto_daemon/internal/models"
	"callisto_daemon/internal/scheduler"
)

type BufferStatus interface {
	Fill() int
	OpenSince() time.Time
	Stats() buffer.Stats
}

type SourceStatus interface {
	Stats() acquisition.Stats
}

type DeviceStatus interface {
	Health() models.Health
}

type CalibrationStatus interface {
	Health() *models.Health
	State() *models.CalibrationState
}

type ScheduleStatus interface {
	Next() (scheduler.Upcoming, bool)
}

type StatusDeps struct {
	Modes       interface{ Current() Snapshot }
	Buffers     BufferStatus
	Source      SourceStatus
	Receiver    DeviceStatus
	Calibration CalibrationStatus
	Schedule    ScheduleStatus
	Clock       clock.Clock
}

// MonitoringService assembles the status view from live components. Every
// read is lock-free or short, so status queries never stall acquisition.
type MonitoringService struct {
	deps StatusDeps
}

func NewMonitoringService(deps StatusDeps) *MonitoringService {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	return &MonitoringService{deps: deps}
}

func (s *MonitoringService) GetStatus(_ context.Context) (models.Status, error) {
	snap := s.deps.Modes.Current()
	st := models.Status{
		Mode:            snap.Mode.String(),
		ModeCode:        snap.Mode.Code(),
		FocusCode:       snap.FocusCode,
		OutputFormat:    snap.OutputFormat,
		LastTransition:  toUTC(snap.Since),
		TransitionCount: snap.Transitions,
		StartedAt:       toUTC(snap.StartedAt),
		UpdatedAt:       s.deps.Clock.Now().UTC(),
	}
	if b := s.deps.Buffers; b != nil {
		bs := b.Stats()
		st.BufferFill = b.Fill()
		st.BufferStart = toUTC(b.OpenSince())
		st.Flushes = bs.Flushes
		st.SinkFailures = bs.SinkFailures
		st.SinkMisses = bs.SinkMisses
	}
	if src := s.deps.Source; src != nil {
		ss := src.Stats()
		st.Gaps = ss.Gaps
		st.Dropped = ss.Dropped
	}
	if r := s.deps.Receiver; r != nil {
		st.Receiver = r.Health()
	}
	if c := s.deps.Calibration; c != nil {
		st.Calibration = c.Health()
		st.CalState = c.State()
	}
	if sch := s.deps.Schedule; sch != nil {
		if up, ok := sch.Next(); ok {
			e := up.Entry
			st.NextEntry = &e
		}
	}
	return st, nil
}

// toUTC normalizes non-zero time to UTC, preserving zero values.
func toUTC(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}
