package sink

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"callisto_daemon/internal/config"
	"callisto_daemon/internal/models"
)

// Header is the metadata written alongside every flushed buffer.
type Header struct {
	BufferID     string    `json:"buffer_id"`
	Instrument   string    `json:"instrument"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Mode         string    `json:"mode"`
	ModeCode     int       `json:"mode_code"`
	FocusCode    int       `json:"focus_code"`
	Calibrated   bool      `json:"calibrated"`
	NSweeps      int       `json:"nsweeps"`
	NChannels    int       `json:"nchannels"`
	SampleRate   float64   `json:"sample_rate"` // sweeps per second
	Gaps         int       `json:"gaps"`
	Dropped      int       `json:"dropped"`
	Reason       string    `json:"reason"`
	FrqFile      string    `json:"frq_file,omitempty"`
	FreqsMHz     []float64 `json:"freqs_mhz,omitempty"`
	ObsName      string    `json:"obs_name,omitempty"`
	ObsCode      string    `json:"obs_code,omitempty"`
	Longitude    float64   `json:"obs_lon"`
	Latitude     float64   `json:"obs_lat"`
	Height       float64   `json:"obs_alt"`
	Origin       string    `json:"origin,omitempty"`
	TitleComment string    `json:"title_comment,omitempty"`
}

// BuildHeader fills a Header from the buffer, its frequency table and the
// observatory constants.
func BuildHeader(b *models.Buffer, instrument string, obs config.Observatory) Header {
	h := Header{
		BufferID:     b.ID,
		Instrument:   instrument,
		Start:        b.Start.UTC(),
		End:          b.End.UTC(),
		Mode:         b.Mode.String(),
		ModeCode:     b.Mode.Code(),
		FocusCode:    b.FocusCode,
		NSweeps:      b.Len(),
		NChannels:    b.Channels(),
		Gaps:         b.Gaps,
		Dropped:      b.Dropped,
		Reason:       string(b.Reason),
		ObsName:      obs.Name,
		ObsCode:      obs.Code,
		Longitude:    obs.Longitude,
		Latitude:     obs.Latitude,
		Height:       obs.Height,
		Origin:       obs.Origin,
		TitleComment: obs.TitleComment,
	}
	if b.Len() > 0 {
		h.Calibrated = b.Samples[0].Calibrated
	}
	if span := b.End.Sub(b.Start).Seconds(); span > 0 && b.Len() > 1 {
		h.SampleRate = float64(b.Len()) / span
	}
	if t := b.Frequencies; t != nil {
		h.FrqFile = t.Name
		n := h.NChannels
		if n == 0 {
			n = t.Len()
		}
		h.FreqsMHz = make([]float64, n)
		for i := range h.FreqsMHz {
			h.FreqsMHz[i] = t.Label(i)
		}
	}
	return h
}

// Pairs returns the header as ordered keyword/value pairs using the
// traditional FITS keyword names.
func (h Header) Pairs() [][2]string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	pairs := [][2]string{
		{"INSTRUME", h.Instrument},
		{"DATE-OBS", h.Start.Format("2006-01-02")},
		{"TIME-OBS", h.Start.Format("15:04:05.000")},
		{"DATE-END", h.End.Format("2006-01-02")},
		{"TIME-END", h.End.Format("15:04:05.000")},
		{"MODE", h.Mode},
		{"MODECODE", strconv.Itoa(h.ModeCode)},
		{"FOCUSCOD", strconv.Itoa(h.FocusCode)},
		{"CALIBRAT", strconv.FormatBool(h.Calibrated)},
		{"NSWEEPS", strconv.Itoa(h.NSweeps)},
		{"NCHAN", strconv.Itoa(h.NChannels)},
		{"SAMPRATE", f(h.SampleRate)},
		{"GAPS", strconv.Itoa(h.Gaps)},
		{"DROPPED", strconv.Itoa(h.Dropped)},
		{"REASON", h.Reason},
		{"BUFFERID", h.BufferID},
		{"OBS_LON", f(h.Longitude)},
		{"OBS_LAT", f(h.Latitude)},
		{"OBS_ALT", f(h.Height)},
	}
	for _, kv := range [][2]string{
		{"FRQFILE", h.FrqFile},
		{"OBS_NAME", h.ObsName},
		{"OBS_CODE", h.ObsCode},
		{"ORIGIN", h.Origin},
		{"TITLECOM", h.TitleComment},
	} {
		if kv[1] != "" {
			pairs = append(pairs, kv)
		}
	}
	return pairs
}

// FileName returns CALLISTO_<instrument>_<YYYYmmdd_HHMMSS>_<focus>.<ext>,
// with an OVS prefix for overview buffers.
func FileName(instrument string, b *models.Buffer, ext string) string {
	prefix := "CALLISTO"
	if b.Mode.Overview() {
		prefix = "OVS"
	}
	return fmt.Sprintf("%s_%s_%s_%02d.%s", prefix, instrument, b.Start.UTC().Format("20060102_150405"), b.FocusCode, ext)
}

func filePath(dir, instrument string, b *models.Buffer, ext string) string {
	return filepath.Join(dir, FileName(instrument, b, ext))
}
