package buffer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"callisto_daemon/internal/logger"
	"callisto_daemon/internal/models"

	"github.com/google/uuid"
)

// Sink consumes flushed buffers. Write must honour ctx.
type Sink interface {
	Name() string
	Write(ctx context.Context, b *models.Buffer) error
}

// Options configure flush timing.
type Options struct {
	FileTime       time.Duration
	OverviewPeriod time.Duration
	DrainTimeout   time.Duration
	FlushTimeout   time.Duration
}

// Stats are the assembler counters.
type Stats struct {
	Flushes      int64 `json:"flushes"`
	EmptySkipped int64 `json:"empty_skipped"`
	SinkFailures int64 `json:"sink_failures"`
	SinkMisses   int64 `json:"sink_misses"`
	Appended     int64 `json:"appended"`
	Rejected     int64 `json:"rejected"`
}

// Assembler owns the single open buffer. Append, Rotate, PrepareStop and Tick
// are serialized; Fill may be read concurrently.
type Assembler struct {
	opts  Options
	sinks []Sink
	log   *logger.Logger

	mu            sync.Mutex
	open          *models.Buffer
	draining      *models.Buffer
	drainDeadline time.Time
	freq          *models.FrequencyTable
	onFlush       []func(*models.Buffer)

	fill      atomic.Int64
	openStart atomic.Int64

	flushes      atomic.Int64
	emptySkipped atomic.Int64
	sinkFailures atomic.Int64
	sinkMisses   atomic.Int64
	appended     atomic.Int64
	rejected     atomic.Int64

	inflight sync.WaitGroup
}

// NewAssembler opens an idle buffer starting at now.
func NewAssembler(sinks []Sink, freq *models.FrequencyTable, opts Options, now time.Time, log *logger.Logger) *Assembler {
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 10 * time.Second
	}
	a := &Assembler{
		opts:  opts,
		sinks: sinks,
		freq:  freq,
		log:   logger.OrNop(log).Named("buffer"),
	}
	a.mu.Lock()
	a.openLocked(models.ModeIdle, 0, now)
	a.mu.Unlock()
	return a
}

// OnFlush registers a callback run for every dispatched buffer.
func (a *Assembler) OnFlush(fn func(*models.Buffer)) {
	a.mu.Lock()
	a.onFlush = append(a.onFlush, fn)
	a.mu.Unlock()
}

// SetFrequencies swaps the table referenced by buffers opened from now on.
func (a *Assembler) SetFrequencies(t *models.FrequencyTable) {
	a.mu.Lock()
	a.freq = t
	a.mu.Unlock()
}

// Append adds a sample to the open buffer, or to a draining buffer it
// belongs to. Anything else crossed a mode boundary and is rejected.
func (a *Assembler) Append(s models.Sample) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.open.Accepts(s) && !s.Time.Before(a.open.Start):
		a.open.Append(s)
		a.fill.Store(int64(a.open.Len()))
	case a.draining != nil && a.draining.Mode == s.Mode && a.draining.FocusCode == s.FocusCode && !s.Time.After(a.draining.End):
		a.draining.Samples = append(a.draining.Samples, s)
	default:
		a.rejected.Add(1)
		return false
	}
	a.appended.Add(1)
	return true
}

// RecordGap notes a missed poll in the open buffer.
func (a *Assembler) RecordGap(time.Time) {
	a.mu.Lock()
	a.open.Gaps++
	a.mu.Unlock()
}

// RecordDrop notes a sample dropped for a protocol error.
func (a *Assembler) RecordDrop(time.Time) {
	a.mu.Lock()
	a.open.Dropped++
	a.mu.Unlock()
}

// Rotate closes the open buffer and opens a fresh one for mode/focus. It
// closes exactly one buffer. A buffer closed by a stop drains: samples polled
// before the stop may still land in it until DrainTimeout after the stop, and
// it is flushed with reason DRAIN.
func (a *Assembler) Rotate(mode models.Mode, focus int, reason models.FlushReason, now time.Time) *models.Buffer {
	a.mu.Lock()
	defer a.mu.Unlock()
	old := a.open
	if old.Mode.Acquiring() && !mode.Acquiring() && a.opts.DrainTimeout > 0 {
		old.Close(now, models.FlushDrain)
		if a.draining != nil {
			a.dispatchLocked(a.draining)
		}
		a.draining = old
		a.drainDeadline = now.Add(a.opts.DrainTimeout)
	} else {
		old.Close(now, reason)
		a.dispatchLocked(old)
	}
	a.openLocked(mode, focus, now)
	return old
}

// PrepareStop flushes what has been collected so far and keeps acquiring in
// the same mode, bounding data loss before a scheduled stop.
func (a *Assembler) PrepareStop(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open.Len() == 0 {
		return
	}
	old := a.open
	old.Close(now, models.FlushPrepareStop)
	a.dispatchLocked(old)
	a.openLocked(old.Mode, old.FocusCode, now)
}

// Tick closes the open buffer once its window elapsed and flushes a draining
// buffer whose deadline passed.
func (a *Assembler) Tick(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.draining != nil && !now.Before(a.drainDeadline) {
		a.dispatchLocked(a.draining)
		a.draining = nil
	}
	if now.Sub(a.open.Start) >= a.window(a.open.Mode) {
		old := a.open
		old.Close(now, models.FlushWindow)
		a.dispatchLocked(old)
		a.openLocked(old.Mode, old.FocusCode, now)
	}
}

// Run consumes shared ticks until ctx is canceled or ticks is closed.
func (a *Assembler) Run(ctx context.Context, ticks <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case now, ok := <-ticks:
			if !ok {
				return
			}
			a.Tick(now)
		}
	}
}

// Close flushes the open and draining buffers best-effort and waits for
// outstanding sink writes until ctx expires.
func (a *Assembler) Close(ctx context.Context, now time.Time) error {
	a.mu.Lock()
	if a.draining != nil {
		a.dispatchLocked(a.draining)
		a.draining = nil
	}
	old := a.open
	old.Close(now, models.FlushShutdown)
	a.dispatchLocked(old)
	a.openLocked(old.Mode, old.FocusCode, now)
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fill returns the number of samples in the open buffer.
func (a *Assembler) Fill() int { return int(a.fill.Load()) }

// OpenSince returns the start of the open buffer.
func (a *Assembler) OpenSince() time.Time { return time.Unix(0, a.openStart.Load()).UTC() }

// Stats returns the counters.
func (a *Assembler) Stats() Stats {
	return Stats{
		Flushes:      a.flushes.Load(),
		EmptySkipped: a.emptySkipped.Load(),
		SinkFailures: a.sinkFailures.Load(),
		SinkMisses:   a.sinkMisses.Load(),
		Appended:     a.appended.Load(),
		Rejected:     a.rejected.Load(),
	}
}

func (a *Assembler) window(m models.Mode) time.Duration {
	if m.Overview() {
		return a.opts.OverviewPeriod
	}
	return a.opts.FileTime
}

func (a *Assembler) openLocked(mode models.Mode, focus int, now time.Time) {
	a.open = &models.Buffer{
		ID:          uuid.NewString(),
		Start:       now.UTC(),
		End:         now.UTC(),
		Mode:        mode,
		FocusCode:   focus,
		Frequencies: a.freq,
	}
	a.fill.Store(0)
	a.openStart.Store(now.UnixNano())
}

// dispatchLocked hands b to every sink without waiting. Each write is
// time-boxed; an expired write is abandoned and counted as a miss. Empty
// buffers are not delivered.
func (a *Assembler) dispatchLocked(b *models.Buffer) {
	if b.Len() == 0 {
		a.emptySkipped.Add(1)
		return
	}
	a.flushes.Add(1)
	a.log.Infow("buffer_flushed",
		"buffer_id", b.ID,
		"mode", b.Mode.String(),
		"focus", b.FocusCode,
		"samples", b.Len(),
		"gaps", b.Gaps,
		"reason", b.Reason,
	)
	for _, fn := range a.onFlush {
		fn(b)
	}
	for _, s := range a.sinks {
		a.inflight.Add(1)
		go a.deliver(s, b)
	}
}

func (a *Assembler) deliver(s Sink, b *models.Buffer) {
	defer a.inflight.Done()
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.FlushTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Write(ctx, b) }()
	select {
	case err := <-done:
		if err != nil {
			a.sinkFailures.Add(1)
			a.log.Warnw("sink_write_failed", "sink", s.Name(), "buffer_id", b.ID, "err", err)
		}
	case <-ctx.Done():
		a.sinkMisses.Add(1)
		a.log.Warnw("sink_write_abandoned", "sink", s.Name(), "buffer_id", b.ID, "timeout", a.opts.FlushTimeout)
	}
}
