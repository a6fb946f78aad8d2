package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"callisto_daemon/internal/logger"
	"callisto_daemon/internal/models"
)

const day = 24 * time.Hour

// Target receives the transitions requested by the schedule.
type Target interface {
	ScheduledTransition(ctx context.Context, e models.ScheduleEntry) error
}

// Preparer receives the prepare-stop hint ahead of a stop entry.
type Preparer interface {
	PrepareStop(now time.Time)
}

type Options struct {
	Preread time.Duration
	// LateAfter is how far past its time an entry may be applied before it
	// is counted as late.
	LateAfter time.Duration
}

type Stats struct {
	Applied     int64 `json:"applied"`
	LateEntries int64 `json:"late_entries"`
	Prepares    int64 `json:"prepares"`
	Failed      int64 `json:"failed"`
}

// Upcoming is the next pending entry together with its absolute due time.
type Upcoming struct {
	Entry models.ScheduleEntry `json:"entry"`
	Due   time.Time            `json:"due"`
}

// Scheduler applies time-of-day entries in order. Entries due while ticks
// were delayed are applied late, in order, never skipped. A manual override
// does not touch the pending pointer, so the schedule resumes at its next
// entry.
type Scheduler struct {
	target   Target
	preparer Preparer
	opts     Options
	log      *logger.Logger

	mu       sync.Mutex
	entries  []models.ScheduleEntry
	day      time.Time // UTC midnight the pending pointer refers to
	next     int       // index of the next pending entry within day
	prepared time.Time // due time of the entry the hint was sent for
	started  bool
	stopped  bool
	stats    Stats
}

func New(entries []models.ScheduleEntry, target Target, preparer Preparer, opts Options, log *logger.Logger) *Scheduler {
	return &Scheduler{
		target:   target,
		preparer: preparer,
		opts:     opts,
		log:      logger.OrNop(log).Named("scheduler"),
		entries:  sorted(entries),
	}
}

// Start performs the startup catch-up: the latest entry at or before now is
// applied, wrapping to the last entry of the previous day when nothing is due
// yet today. Later entries fire at their own time.
func (s *Scheduler) Start(ctx context.Context, now time.Time) (*models.ScheduleEntry, error) {
	s.mu.Lock()
	s.started = true
	s.seekLocked(now)
	if len(s.entries) == 0 {
		s.mu.Unlock()
		s.log.Infow("schedule_empty")
		return nil, nil
	}
	idx := s.next - 1
	if idx < 0 {
		idx = len(s.entries) - 1
	}
	e := s.entries[idx]
	s.mu.Unlock()

	s.log.Infow("schedule_catch_up", "entry", e.String(), "now", now)
	err := s.apply(ctx, e)
	return &e, err
}

// Tick applies every entry due at now and sends the prepare-stop hint for
// the next pending stop entry.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	if s.stopped || !s.started {
		s.mu.Unlock()
		return
	}
	var due []Upcoming
	for len(s.entries) > 0 {
		if s.next >= len(s.entries) {
			// rollover: pointer moves to the first entry of the next day
			s.day = s.day.Add(day)
			s.next = 0
			if s.day.After(now) {
				break
			}
			if now.Sub(s.day) >= day {
				// more than a day behind; resume from now rather than
				// replaying whole days
				s.seekLocked(now)
				break
			}
			continue
		}
		at := s.day.Add(s.entries[s.next].At)
		if at.After(now) {
			break
		}
		due = append(due, Upcoming{Entry: s.entries[s.next], Due: at})
		s.next++
	}
	var hint bool
	if up, ok := s.upcomingLocked(); ok && s.preparer != nil && s.opts.Preread > 0 {
		lead := up.Due.Add(-s.opts.Preread)
		if !up.Entry.Mode.Acquiring() && !now.Before(lead) && now.Before(up.Due) && !s.prepared.Equal(up.Due) {
			s.prepared = up.Due
			s.stats.Prepares++
			hint = true
		}
	}
	s.mu.Unlock()

	for _, u := range due {
		if late := now.Sub(u.Due); s.opts.LateAfter > 0 && late > s.opts.LateAfter {
			s.mu.Lock()
			s.stats.LateEntries++
			s.mu.Unlock()
			s.log.Warnw("schedule_entry_late", "entry", u.Entry.String(), "late", late)
		}
		if err := s.apply(ctx, u.Entry); err != nil {
			s.log.Warnw("schedule_entry_failed", "entry", u.Entry.String(), "err", err)
		}
	}
	if hint {
		s.log.Infow("prepare_stop_hint", "now", now)
		s.preparer.PrepareStop(now)
	}
}

// Run ticks the scheduler until ctx is done or ticks closes.
func (s *Scheduler) Run(ctx context.Context, ticks <-chan time.Time) {
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

// Reload swaps the entry set and recomputes the pending pointer against
// now. Entries already past are not replayed.
func (s *Scheduler) Reload(entries []models.ScheduleEntry, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = sorted(entries)
	s.prepared = time.Time{}
	s.seekLocked(now)
	s.log.Infow("schedule_reloaded", "entries", len(s.entries), "next", s.next)
}

// Stop makes further ticks no-ops.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// Next returns the next pending entry, if any.
func (s *Scheduler) Next() (Upcoming, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return Upcoming{}, false
	}
	return s.upcomingLocked()
}

// Entries returns a copy of the active entry set.
func (s *Scheduler) Entries() []models.ScheduleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ScheduleEntry(nil), s.entries...)
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) apply(ctx context.Context, e models.ScheduleEntry) error {
	err := s.target.ScheduledTransition(ctx, e)
	s.mu.Lock()
	if err != nil {
		s.stats.Failed++
	} else {
		s.stats.Applied++
	}
	s.mu.Unlock()
	return err
}

// seekLocked points next at the first entry strictly after now.
func (s *Scheduler) seekLocked(now time.Time) {
	s.day = models.Midnight(now)
	tod := models.TimeOfDay(now)
	s.next = sort.Search(len(s.entries), func(i int) bool { return s.entries[i].At > tod })
}

func (s *Scheduler) upcomingLocked() (Upcoming, bool) {
	if len(s.entries) == 0 {
		return Upcoming{}, false
	}
	if s.next < len(s.entries) {
		e := s.entries[s.next]
		return Upcoming{Entry: e, Due: s.day.Add(e.At)}, true
	}
	e := s.entries[0]
	return Upcoming{Entry: e, Due: s.day.Add(day + e.At)}, true
}

func sorted(in []models.ScheduleEntry) []models.ScheduleEntry {
	out := append([]models.ScheduleEntry(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].At < out[j].At })
	return out
}
