package command

import (
	"fmt"
	"strings"
	"time"

	"callisto_daemon/internal/models"

	"github.com/dustin/go-humanize"
)

// FormatStatus renders the status view as one reply line.
func FormatStatus(st models.Status, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "mode %d %s focus %d format %s", st.ModeCode, st.Mode, st.FocusCode, st.OutputFormat)

	fmt.Fprintf(&b, " buffer %s sweeps", humanize.Comma(int64(st.BufferFill)))
	if !st.BufferStart.IsZero() {
		fmt.Fprintf(&b, " since %s", st.BufferStart.UTC().Format("15:04:05"))
	}
	fmt.Fprintf(&b, " flushes %s", humanize.Comma(st.Flushes))
	if st.SinkFailures > 0 || st.SinkMisses > 0 {
		fmt.Fprintf(&b, " sink_failures %d sink_misses %d", st.SinkFailures, st.SinkMisses)
	}
	if st.Gaps > 0 || st.Dropped > 0 {
		fmt.Fprintf(&b, " gaps %d dropped %d", st.Gaps, st.Dropped)
	}

	fmt.Fprintf(&b, " receiver %s", deviceHealth(st.Receiver))
	if st.Calibration != nil {
		fmt.Fprintf(&b, " calibration %s", deviceHealth(*st.Calibration))
		if cs := st.CalState; cs != nil {
			if cs.Relay != "" {
				fmt.Fprintf(&b, " relay %s", cs.Relay)
			}
			if cs.TemperatureC != 0 {
				fmt.Fprintf(&b, " load %.2fC", cs.TemperatureC)
				if !cs.Stable {
					b.WriteString(" unstable")
				}
			}
			if cs.SupplyV != 0 {
				fmt.Fprintf(&b, " supply %.1fV", cs.SupplyV)
			}
		}
	} else {
		b.WriteString(" calibration absent")
	}

	if st.NextEntry != nil {
		fmt.Fprintf(&b, " next %s", st.NextEntry)
	}
	if !st.StartedAt.IsZero() {
		fmt.Fprintf(&b, " up %s", strings.TrimSuffix(humanize.RelTime(st.StartedAt, now, "", ""), " "))
	}
	return b.String()
}

func deviceHealth(h models.Health) string {
	if h.Responsive {
		return "ok"
	}
	if h.LastError != "" {
		return "unresponsive (" + h.LastError + ")"
	}
	return "unresponsive"
}
