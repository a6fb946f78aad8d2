package acquisition

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"callisto_daemon/internal/logger"
	"callisto_daemon/internal/models"
	"callisto_daemon/internal/receiver"
)

// Poller is the receiver as seen by the source.
type Poller interface {
	Poll(ctx context.Context) ([]uint8, error)
	Recover(ctx context.Context) error
	Responsive() bool
}

// defaultRecoverEvery is how many skipped polls pass between probes of an
// unresponsive receiver.
const defaultRecoverEvery = 40

// CalibrationTransform converts a raw reading to SFU: 45·log10(S+10).
func CalibrationTransform(s float64) float64 {
	return 45 * math.Log10(s+10)
}

// Stats are the source counters.
type Stats struct {
	Polls   int64 `json:"polls"`
	Gaps    int64 `json:"gaps"`
	Dropped int64 `json:"dropped"`
}

type setting struct {
	mode   models.Mode
	focus  int
	active bool
}

// Source polls the receiver at a fixed cadence while the mode acquires.
// Configure and Suspend only swap an atomic setting, so the transition path
// never waits on a poll.
type Source struct {
	poller       Poller
	interval     time.Duration
	log          *logger.Logger
	recoverEvery int64

	setting atomic.Pointer[setting]
	busy    atomic.Bool

	lmu       sync.RWMutex
	listeners []func(models.Sample)
	gapFns    []func(time.Time)
	dropFns   []func(time.Time)

	// owned by the Run goroutine
	next time.Time

	polls   atomic.Int64
	gaps    atomic.Int64
	dropped atomic.Int64
	skipped atomic.Int64

	wg sync.WaitGroup
}

// NewSource creates an idle source.
func NewSource(p Poller, interval time.Duration, log *logger.Logger) *Source {
	s := &Source{
		poller:       p,
		interval:     interval,
		log:          logger.OrNop(log).Named("acquisition"),
		recoverEvery: defaultRecoverEvery,
	}
	s.setting.Store(&setting{mode: models.ModeIdle})
	return s
}

// OnSample registers a listener. Listeners run on the poll goroutine and
// must not block.
func (s *Source) OnSample(fn func(models.Sample)) {
	s.lmu.Lock()
	s.listeners = append(s.listeners, fn)
	s.lmu.Unlock()
}

// OnGap registers a listener for missed polls.
func (s *Source) OnGap(fn func(time.Time)) {
	s.lmu.Lock()
	s.gapFns = append(s.gapFns, fn)
	s.lmu.Unlock()
}

// OnDrop registers a listener for samples discarded on a protocol error.
func (s *Source) OnDrop(fn func(time.Time)) {
	s.lmu.Lock()
	s.dropFns = append(s.dropFns, fn)
	s.lmu.Unlock()
}

// Configure selects the mode and focus code for subsequent samples.
func (s *Source) Configure(mode models.Mode, focus int) {
	s.setting.Store(&setting{mode: mode, focus: focus, active: mode.Acquiring()})
}

// Suspend stops producing samples until the next Configure. A poll already
// in flight still delivers its sample tagged with the old mode; the buffer
// assembler decides whether it belongs anywhere.
func (s *Source) Suspend() {
	cur := s.setting.Load()
	s.setting.Store(&setting{mode: cur.mode, focus: cur.focus})
}

// Active reports whether the source is currently polling.
func (s *Source) Active() bool { return s.setting.Load().active }

// Stats returns the counters.
func (s *Source) Stats() Stats {
	return Stats{Polls: s.polls.Load(), Gaps: s.gaps.Load(), Dropped: s.dropped.Load()}
}

// Run consumes ticks until ctx is canceled or ticks is closed, then waits for
// the in-flight poll.
func (s *Source) Run(ctx context.Context, ticks <-chan time.Time) {
	defer s.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case now, ok := <-ticks:
			if !ok {
				return
			}
			s.Tick(ctx, now)
		}
	}
}

// Tick starts a poll when one is due. Polls are aligned to a fixed cadence
// from the first active tick; intervals the host slept through are gaps.
func (s *Source) Tick(ctx context.Context, now time.Time) {
	st := s.setting.Load()
	if !st.active {
		s.next = time.Time{}
		return
	}
	if s.next.IsZero() {
		s.next = now
	}
	if now.Before(s.next) {
		return
	}
	for !now.Before(s.next.Add(s.interval)) {
		s.next = s.next.Add(s.interval)
		s.recordGap(s.next)
	}
	slot := s.next
	s.next = s.next.Add(s.interval)

	if !s.busy.CompareAndSwap(false, true) {
		s.recordGap(slot)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.busy.Store(false)
		s.poll(ctx, st, slot)
	}()
}

func (s *Source) poll(ctx context.Context, st *setting, slot time.Time) {
	if !s.poller.Responsive() {
		if s.skipped.Add(1)%s.recoverEvery == 0 {
			if err := s.poller.Recover(ctx); err != nil {
				s.log.Debugw("receiver_recover_failed", "err", err)
			}
		}
		s.recordGap(slot)
		return
	}

	s.polls.Add(1)
	raw, err := s.poller.Poll(ctx)
	if err != nil {
		if errors.Is(err, receiver.ErrProtocol) {
			s.log.Debugw("sample_dropped", "err", err)
			s.recordDrop(slot)
			return
		}
		s.log.Debugw("poll_failed", "err", err)
		s.recordGap(slot)
		return
	}

	s.emit(NewSample(slot, raw, st.mode, st.focus))
}

// NewSample builds a sample, applying the calibration transform in
// calibration mode. Raw values are always kept.
func NewSample(at time.Time, raw []uint8, mode models.Mode, focus int) models.Sample {
	vals := make([]float64, len(raw))
	calibrated := mode == models.ModeCalibration
	for i, r := range raw {
		if calibrated {
			vals[i] = CalibrationTransform(float64(r))
		} else {
			vals[i] = float64(r)
		}
	}
	return models.Sample{
		Time:       at.UTC(),
		Raw:        raw,
		Values:     vals,
		FocusCode:  focus,
		Mode:       mode,
		Calibrated: calibrated,
	}
}

func (s *Source) emit(smp models.Sample) {
	s.lmu.RLock()
	defer s.lmu.RUnlock()
	for _, fn := range s.listeners {
		fn(smp)
	}
}

func (s *Source) recordGap(at time.Time) {
	s.gaps.Add(1)
	s.lmu.RLock()
	defer s.lmu.RUnlock()
	for _, fn := range s.gapFns {
		fn(at)
	}
}

func (s *Source) recordDrop(at time.Time) {
	s.lmu.RLock()
	for _, fn := range s.dropFns {
		fn(at)
	}
	s.lmu.RUnlock()
	s.dropped.Add(1)
}
