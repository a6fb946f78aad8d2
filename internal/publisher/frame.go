package publisher

import (
	"encoding/json"
	"time"

	"callisto_daemon/internal/models"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// SchemaVersion is bumped on incompatible frame changes.
const SchemaVersion = 1

// Frame kinds.
const (
	KindSample = "sample"
	KindBuffer = "buffer"
	KindState  = "state"
)

// FrameStats summarise the values carried by a frame.
type FrameStats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Frame is the wire representation of a sample, a flushed buffer or a state
// change. It is never persisted.
type Frame struct {
	Schema     int                 `json:"schema"`
	Topic      string              `json:"topic"`
	Kind       string              `json:"kind"`
	Instrument string              `json:"instrument"`
	TsUS       int64               `json:"ts_us"`
	Mode       int                 `json:"mode"`
	ModeName   string              `json:"mode_name"`
	Focus      int                 `json:"focus"`
	NChannels  int                 `json:"nchannels,omitempty"`
	FreqsMHz   []float64           `json:"freqs_mhz,omitempty"`
	Values     []float64           `json:"values,omitempty"`
	Raw        []int               `json:"raw,omitempty"`
	Stats      *FrameStats         `json:"stats,omitempty"`
	BufferID   string              `json:"buffer_id,omitempty"`
	NSweeps    int                 `json:"nsweeps,omitempty"`
	EndUS      int64               `json:"end_us,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	Change     *models.StateChange `json:"change,omitempty"`
}

// Encode marshals the frame.
func (f Frame) Encode() ([]byte, error) { return json.Marshal(f) }

func summarize(v []float64) *FrameStats {
	if len(v) == 0 {
		return nil
	}
	mean, std := stat.MeanStdDev(v, nil)
	if len(v) == 1 {
		std = 0
	}
	return &FrameStats{Mean: mean, StdDev: std, Min: floats.Min(v), Max: floats.Max(v)}
}

func sampleFrame(topic, instrument string, s models.Sample, freq *models.FrequencyTable) Frame {
	raw := make([]int, len(s.Raw))
	for i, r := range s.Raw {
		raw[i] = int(r)
	}
	return Frame{
		Schema:     SchemaVersion,
		Topic:      topic,
		Kind:       KindSample,
		Instrument: instrument,
		TsUS:       s.Time.UnixMicro(),
		Mode:       s.Mode.Code(),
		ModeName:   s.Mode.String(),
		Focus:      s.FocusCode,
		NChannels:  len(s.Values),
		FreqsMHz:   labels(freq, len(s.Values)),
		Values:     s.Values,
		Raw:        raw,
		Stats:      summarize(s.Values),
	}
}

// bufferFrame carries the per-channel mean spectrum of a flushed buffer.
func bufferFrame(topic, instrument string, b *models.Buffer) Frame {
	n := b.Channels()
	mean := make([]float64, n)
	if b.Len() > 0 {
		for _, s := range b.Samples {
			for i, v := range s.Values {
				mean[i] += v
			}
		}
		floats.Scale(1/float64(b.Len()), mean)
	}
	return Frame{
		Schema:     SchemaVersion,
		Topic:      topic,
		Kind:       KindBuffer,
		Instrument: instrument,
		TsUS:       b.Start.UnixMicro(),
		EndUS:      b.End.UnixMicro(),
		Mode:       b.Mode.Code(),
		ModeName:   b.Mode.String(),
		Focus:      b.FocusCode,
		NChannels:  n,
		FreqsMHz:   labels(b.Frequencies, n),
		Values:     mean,
		Stats:      summarize(mean),
		BufferID:   b.ID,
		NSweeps:    b.Len(),
		Reason:     string(b.Reason),
	}
}

func stateFrame(topic, instrument string, c models.StateChange) Frame {
	at := c.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return Frame{
		Schema:     SchemaVersion,
		Topic:      topic,
		Kind:       KindState,
		Instrument: instrument,
		TsUS:       at.UnixMicro(),
		Mode:       c.To.Code(),
		ModeName:   c.To.String(),
		Focus:      c.ToFocus,
		Change:     &c,
	}
}

func labels(t *models.FrequencyTable, n int) []float64 {
	if t.Len() == 0 {
		return nil
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = t.Label(i)
	}
	return out
}
