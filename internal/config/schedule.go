package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"callisto_daemon/internal/models"
)

// Duplicate describes schedule lines sharing a time-of-day. The entry
// defined on Kept wins over the ones on Dropped.
type Duplicate struct {
	At      string
	Kept    int
	Dropped []int
}

// LoadSchedule reads a schedule file. A missing file yields an empty set.
func LoadSchedule(path string) ([]models.ScheduleEntry, []Duplicate, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("open schedule %q: %w", path, err)
	}
	defer f.Close()
	return ParseSchedule(f)
}

// ParseSchedule parses `HH:MM:SS,focuscode,mode` lines. Blank lines and
// lines starting with // or # are ignored, as is anything after an inline
// comment marker. The result is sorted by time and unique per time-of-day.
func ParseSchedule(r io.Reader) ([]models.ScheduleEntry, []Duplicate, error) {
	type lined struct {
		entry models.ScheduleEntry
		line  int
	}
	byTime := map[time.Duration]lined{}
	dupByTime := map[time.Duration]*Duplicate{}

	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := stripComment(sc.Text())
		if line == "" {
			continue
		}
		e, err := parseEntry(line)
		if err != nil {
			return nil, nil, fmt.Errorf("schedule line %d: %w", n, err)
		}
		if prev, ok := byTime[e.At]; ok {
			d := dupByTime[e.At]
			if d == nil {
				d = &Duplicate{At: e.Clock()}
				dupByTime[e.At] = d
			}
			d.Dropped = append(d.Dropped, prev.line)
			d.Kept = n
		}
		byTime[e.At] = lined{entry: e, line: n}
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("read schedule: %w", err)
	}

	entries := make([]models.ScheduleEntry, 0, len(byTime))
	for _, l := range byTime {
		entries = append(entries, l.entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].At < entries[j].At })

	dups := make([]Duplicate, 0, len(dupByTime))
	for _, d := range dupByTime {
		dups = append(dups, *d)
	}
	sort.Slice(dups, func(i, j int) bool { return dups[i].At < dups[j].At })
	return entries, dups, nil
}

func stripComment(s string) string {
	for _, sep := range []string{"//", "#"} {
		if i := strings.Index(s, sep); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

func parseEntry(line string) (models.ScheduleEntry, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 3 {
		return models.ScheduleEntry{}, fmt.Errorf("want HH:MM:SS,focus,mode, got %q", line)
	}
	at, err := parseClock(strings.TrimSpace(parts[0]))
	if err != nil {
		return models.ScheduleEntry{}, err
	}
	focus, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || !models.ValidFocusCode(focus) {
		return models.ScheduleEntry{}, fmt.Errorf("invalid focus code %q", parts[1])
	}
	code, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil {
		return models.ScheduleEntry{}, fmt.Errorf("invalid mode %q", parts[2])
	}
	mode, err := models.ModeFromCode(code)
	if err != nil {
		return models.ScheduleEntry{}, err
	}
	if mode.Spare() {
		return models.ScheduleEntry{}, fmt.Errorf("mode %d is reserved", code)
	}
	return models.ScheduleEntry{At: at, FocusCode: focus, Mode: mode}, nil
}

func parseClock(s string) (time.Duration, error) {
	f := strings.Split(s, ":")
	if len(f) != 3 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	var v [3]int
	limits := [3]int{23, 59, 59}
	for i, p := range f {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] {
			return 0, fmt.Errorf("invalid time %q", s)
		}
		v[i] = n
	}
	return time.Duration(v[0])*time.Hour + time.Duration(v[1])*time.Minute + time.Duration(v[2])*time.Second, nil
}
