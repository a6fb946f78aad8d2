package clock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Clock reports the current time. Components take one so tests can drive
// them with a Fake.
type Clock interface {
	Now() time.Time
}

// Real is the wall clock in UTC.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

// Fake is a settable clock.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a fake clock set to t.
func NewFake(t time.Time) *Fake { return &Fake{now: t.UTC()} }

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set moves the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t.UTC()
	f.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new time.
func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

// Ticker is the one periodic tick source shared by the scheduler, the
// sample source and the buffer assembler. Sends never block: a subscriber
// that is still busy with the previous tick misses this one and the miss
// is counted.
type Ticker struct {
	interval time.Duration
	clock    Clock

	mu   sync.Mutex
	subs []chan time.Time

	missed atomic.Int64
}

// NewTicker creates a tick source with the given period.
func NewTicker(interval time.Duration, c Clock) *Ticker {
	if c == nil {
		c = Real{}
	}
	return &Ticker{interval: interval, clock: c}
}

// Subscribe returns a channel receiving every tick.
func (t *Ticker) Subscribe() <-chan time.Time {
	ch := make(chan time.Time, 1)
	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()
	return ch
}

// Run ticks until ctx is canceled, then closes every subscriber channel.
func (t *Ticker) Run(ctx context.Context) {
	tk := time.NewTicker(t.interval)
	defer tk.Stop()
	defer t.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			t.Broadcast(t.clock.Now())
		}
	}
}

// Broadcast delivers now to every subscriber without blocking.
func (t *Ticker) Broadcast(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- now:
		default:
			t.missed.Add(1)
		}
	}
}

// Missed returns how many deliveries were dropped because a subscriber lagged.
func (t *Ticker) Missed() int64 { return t.missed.Load() }

func (t *Ticker) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subs {
		close(ch)
	}
	t.subs = nil
}
