package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"callisto_daemon/internal/clock"
	"callisto_daemon/internal/config"
	"callisto_daemon/internal/logger"
	"callisto_daemon/internal/models"
	"callisto_daemon/internal/repository"
)

var (
	ErrReservedMode           = errors.New("mode code is reserved")
	ErrTerminatingDisabled    = errors.New("terminating is disabled by configuration")
	ErrNoChange               = errors.New("mode and focus code unchanged")
	ErrInvalidFocus           = errors.New("focus code out of range 0-63")
	ErrInvalidFormat          = errors.New("unknown output format")
	ErrCalibrationUnavailable = errors.New("no calibration unit attached")
	ErrCalibrationFailed      = errors.New("calibration relay switch failed")
	ErrTerminated             = errors.New("daemon is terminating")
	ErrStopped                = errors.New("mode service stopped")
)

// SampleControl enables and disables polling.
type SampleControl interface {
	Configure(mode models.Mode, focus int)
	Suspend()
}

// BufferRotator closes the open buffer and opens the next one.
type BufferRotator interface {
	Rotate(mode models.Mode, focus int, reason models.FlushReason, now time.Time) *models.Buffer
}

// Calibrator drives the optional calibration unit.
type Calibrator interface {
	Present() bool
	Engage(ctx context.Context, focus int) error
	Disengage(ctx context.Context) error
}

// OutputSelector switches the archival output format at run time.
type OutputSelector interface {
	Format() string
	SetFormat(format string) error
}

// ScheduleSwapper replaces the active schedule.
type ScheduleSwapper interface {
	Reload(entries []models.ScheduleEntry, now time.Time)
}

type ModeDeps struct {
	Source       SampleControl
	Buffers      BufferRotator
	Calibration  Calibrator
	Output       OutputSelector
	Schedule     ScheduleSwapper
	LoadSchedule func() ([]models.ScheduleEntry, error)
	States       repository.StateRepo
	Events       repository.EventRepo
	Clock        clock.Clock
}

type ModeOptions struct {
	TerminateEnabled bool
	InitialFocus     int
}

// Snapshot is the current state as observed by readers.
type Snapshot struct {
	Mode         models.Mode         `json:"mode"`
	FocusCode    int                 `json:"focus_code"`
	OutputFormat string              `json:"output_format"`
	Since        time.Time           `json:"since"`
	StartedAt    time.Time           `json:"started_at"`
	Transitions  int64               `json:"transitions"`
	LastChange   *models.StateChange `json:"last_change,omitempty"`
}

type job struct {
	ctx   context.Context
	run   func(ctx context.Context) error
	reply chan error
}

// ModeService owns the current mode. Every mutation runs on a single writer
// goroutine fed by a queue, so transitions never race and a schedule reload
// waits for the in-flight transition to settle. Current is lock-free.
type ModeService struct {
	deps ModeDeps
	opts ModeOptions
	log  *logger.Logger

	jobs    chan job
	done    chan struct{}
	current atomic.Pointer[Snapshot]

	listeners   []func(models.StateChange)
	onTerminate func()
	terminated  atomic.Bool
}

func NewModeService(deps ModeDeps, opts ModeOptions, log *logger.Logger) *ModeService {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	s := &ModeService{
		deps: deps,
		opts: opts,
		log:  logger.OrNop(log).Named("modes"),
		jobs: make(chan job),
		done: make(chan struct{}),
	}
	now := deps.Clock.Now()
	s.current.Store(&Snapshot{
		Mode:         models.ModeIdle,
		FocusCode:    opts.InitialFocus,
		OutputFormat: s.format(),
		Since:        now,
		StartedAt:    now,
	})
	return s
}

// OnChange registers a listener for accepted transitions. Listeners run on
// the writer goroutine and must not block. Register before Run.
func (s *ModeService) OnChange(fn func(models.StateChange)) {
	s.listeners = append(s.listeners, fn)
}

// OnTerminate registers the hook invoked after a Terminating transition.
func (s *ModeService) OnTerminate(fn func()) { s.onTerminate = fn }

// Run consumes the transition queue until ctx is done.
func (s *ModeService) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.jobs:
			j.reply <- j.run(j.ctx)
		}
	}
}

// Current returns the latest snapshot without locking.
func (s *ModeService) Current() Snapshot { return *s.current.Load() }

// Terminated reports whether a Terminating transition was accepted.
func (s *ModeService) Terminated() bool { return s.terminated.Load() }

// RequestTransition queues req and waits for its outcome.
func (s *ModeService) RequestTransition(ctx context.Context, req TransitionRequest) (models.StateChange, error) {
	var change models.StateChange
	err := s.submit(ctx, func(ctx context.Context) error {
		var err error
		change, err = s.transition(ctx, req)
		return err
	})
	return change, err
}

// SetFocus keeps the current mode and changes the focus code.
func (s *ModeService) SetFocus(ctx context.Context, focus int, src models.TransitionSource) (models.StateChange, error) {
	var change models.StateChange
	err := s.submit(ctx, func(ctx context.Context) error {
		var err error
		change, err = s.transition(ctx, TransitionRequest{Mode: s.current.Load().Mode, FocusCode: focus, Source: src})
		return err
	})
	return change, err
}

// SetOutputFormat selects the sink used for subsequent flushes.
func (s *ModeService) SetOutputFormat(ctx context.Context, format string, src models.TransitionSource) error {
	format = strings.ToLower(strings.TrimSpace(format))
	return s.submit(ctx, func(ctx context.Context) error {
		if !config.ValidFormat(format) || s.deps.Output == nil {
			return fmt.Errorf("%w: %q", ErrInvalidFormat, format)
		}
		prev := s.format()
		if err := s.deps.Output.SetFormat(format); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
		next := *s.current.Load()
		next.OutputFormat = s.format()
		s.current.Store(&next)
		s.persist(ctx, next, src)
		s.record(ctx, models.EventConfigChanged, "output format "+prev+" -> "+next.OutputFormat,
			map[string]any{"from": prev, "to": next.OutputFormat, "source": src})
		s.log.Infow("output_format_changed", "from", prev, "to", next.OutputFormat, "source", src)
		return nil
	})
}

// ReloadSchedule re-reads the schedule and swaps the active entry set. It
// runs on the writer goroutine, after any in-flight transition.
func (s *ModeService) ReloadSchedule(ctx context.Context) (int, error) {
	var n int
	err := s.submit(ctx, func(ctx context.Context) error {
		if s.deps.LoadSchedule == nil || s.deps.Schedule == nil {
			return errors.New("schedule reload not configured")
		}
		entries, err := s.deps.LoadSchedule()
		if err != nil {
			s.record(ctx, models.EventError, "schedule reload failed: "+err.Error(), nil)
			return fmt.Errorf("reload schedule: %w", err)
		}
		s.deps.Schedule.Reload(entries, s.deps.Clock.Now())
		n = len(entries)
		s.record(ctx, models.EventScheduleReloaded, fmt.Sprintf("%d entries", n), map[string]any{"entries": n})
		return nil
	})
	return n, err
}

// ScheduledTransition applies a schedule entry. An entry matching the
// current state is not an error.
func (s *ModeService) ScheduledTransition(ctx context.Context, e models.ScheduleEntry) error {
	_, err := s.RequestTransition(ctx, TransitionRequest{Mode: e.Mode, FocusCode: e.FocusCode, Source: models.SourceSchedule})
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	if err == nil {
		s.record(ctx, models.EventScheduleApplied, e.String(), nil)
	}
	return err
}

func (s *ModeService) submit(ctx context.Context, run func(ctx context.Context) error) error {
	if s.terminated.Load() {
		return ErrTerminated
	}
	j := job{ctx: ctx, run: run, reply: make(chan error, 1)}
	select {
	case s.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}
	select {
	case err := <-j.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ModeService) validate(req TransitionRequest, cur *Snapshot) error {
	switch {
	case s.terminated.Load():
		return ErrTerminated
	case req.Mode.Spare():
		return fmt.Errorf("%w: %d", ErrReservedMode, req.Mode.Code())
	case !models.ValidFocusCode(req.FocusCode):
		return fmt.Errorf("%w: %d", ErrInvalidFocus, req.FocusCode)
	case req.Mode == models.ModeTerminating && !s.opts.TerminateEnabled:
		return ErrTerminatingDisabled
	case req.Mode == cur.Mode && req.FocusCode == cur.FocusCode:
		return ErrNoChange
	case req.Mode == models.ModeCalibration && (s.deps.Calibration == nil || !s.deps.Calibration.Present()):
		return ErrCalibrationUnavailable
	}
	return nil
}

func (s *ModeService) transition(ctx context.Context, req TransitionRequest) (models.StateChange, error) {
	cur := s.current.Load()
	if err := s.validate(req, cur); err != nil {
		s.reject(ctx, req, cur, err)
		return models.StateChange{}, err
	}

	s.deps.Source.Suspend()
	if req.Mode == models.ModeCalibration {
		if err := s.deps.Calibration.Engage(ctx, req.FocusCode); err != nil {
			if cur.Mode.Acquiring() {
				s.deps.Source.Configure(cur.Mode, cur.FocusCode)
			}
			err = fmt.Errorf("%w: %v", ErrCalibrationFailed, err)
			s.reject(ctx, req, cur, err)
			return models.StateChange{}, err
		}
	} else if cur.Mode == models.ModeCalibration && s.deps.Calibration != nil {
		if err := s.deps.Calibration.Disengage(ctx); err != nil {
			s.log.Warnw("calibration_disengage_failed", "err", err)
		}
	}

	now := s.deps.Clock.Now()
	s.deps.Buffers.Rotate(req.Mode, req.FocusCode, models.FlushTransition, now)
	if req.Mode.Acquiring() {
		s.deps.Source.Configure(req.Mode, req.FocusCode)
	}

	change := models.StateChange{
		From:       cur.Mode,
		To:         req.Mode,
		FromFocus:  cur.FocusCode,
		ToFocus:    req.FocusCode,
		Source:     req.Source,
		OccurredAt: now,
	}
	next := *cur
	next.Mode = req.Mode
	next.FocusCode = req.FocusCode
	next.Since = now
	next.Transitions++
	next.LastChange = &change
	s.current.Store(&next)

	s.log.Infow("state_changed",
		"from", cur.Mode.String(), "to", req.Mode.String(),
		"from_focus", cur.FocusCode, "to_focus", req.FocusCode,
		"source", req.Source)
	s.persist(ctx, next, req.Source)
	s.record(ctx, models.EventStateChanged, cur.Mode.String()+" -> "+req.Mode.String(), change)
	for _, fn := range s.listeners {
		fn(change)
	}

	if req.Mode == models.ModeTerminating {
		s.terminated.Store(true)
		s.log.Infow("terminating", "source", req.Source)
		if s.onTerminate != nil {
			s.onTerminate()
		}
	}
	return change, nil
}

func (s *ModeService) reject(ctx context.Context, req TransitionRequest, cur *Snapshot, err error) {
	if errors.Is(err, ErrNoChange) {
		s.log.Debugw("transition_unchanged", "mode", req.Mode.String(), "focus", req.FocusCode, "source", req.Source)
		return
	}
	s.log.Warnw("transition_rejected",
		"from", cur.Mode.String(), "to", req.Mode.String(),
		"focus", req.FocusCode, "source", req.Source, "err", err)
	s.record(ctx, models.EventTransitionRejected, err.Error(), map[string]any{
		"mode": req.Mode.Code(), "focus": req.FocusCode, "source": req.Source,
	})
}

func (s *ModeService) persist(ctx context.Context, snap Snapshot, src models.TransitionSource) {
	if s.deps.States == nil {
		return
	}
	err := s.deps.States.Save(context.WithoutCancel(ctx), models.DaemonState{
		ID:           1,
		Mode:         snap.Mode,
		FocusCode:    snap.FocusCode,
		OutputFormat: snap.OutputFormat,
		Source:       src,
		UpdatedAt:    s.deps.Clock.Now(),
	})
	if err != nil {
		s.log.Warnw("state_persist_failed", "err", err)
	}
}

func (s *ModeService) record(ctx context.Context, typ, description string, meta any) {
	appendEvent(ctx, s.deps.Events, s.log, typ, description, meta)
}

func (s *ModeService) format() string {
	if s.deps.Output == nil {
		return ""
	}
	return s.deps.Output.Format()
}
