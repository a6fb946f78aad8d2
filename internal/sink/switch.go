package sink

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"callisto_daemon/internal/buffer"
	"callisto_daemon/internal/models"
)

// FormatSwitch routes each buffer to the sink named by the current output
// format. The format can change at run time.
type FormatSwitch struct {
	sinks   map[string]buffer.Sink
	current atomic.Value // string
}

// NewFormatSwitch builds a switch over sinks keyed by their Name.
func NewFormatSwitch(initial string, sinks ...buffer.Sink) (*FormatSwitch, error) {
	fs := &FormatSwitch{sinks: make(map[string]buffer.Sink, len(sinks))}
	for _, s := range sinks {
		fs.sinks[s.Name()] = s
	}
	if err := fs.SetFormat(initial); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FormatSwitch) Name() string { return "output" }

// Write delegates to the sink selected when the call starts.
func (fs *FormatSwitch) Write(ctx context.Context, b *models.Buffer) error {
	s := fs.sinks[fs.Format()]
	return s.Write(ctx, b)
}

// Format returns the current output format.
func (fs *FormatSwitch) Format() string { return fs.current.Load().(string) }

// SetFormat selects the sink for subsequent buffers.
func (fs *FormatSwitch) SetFormat(format string) error {
	format = strings.ToLower(strings.TrimSpace(format))
	if _, ok := fs.sinks[format]; !ok {
		return fmt.Errorf("unknown output format %q (have %s)", format, strings.Join(fs.Formats(), ", "))
	}
	fs.current.Store(format)
	return nil
}

// Formats lists the available formats.
func (fs *FormatSwitch) Formats() []string {
	out := make([]string, 0, len(fs.sinks))
	for k := range fs.sinks {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
