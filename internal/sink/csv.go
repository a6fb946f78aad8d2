package sink

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"callisto_daemon/internal/config"
	"callisto_daemon/internal/models"
)

// CSVSink writes one CSV file per buffer: a commented header block, a column
// row labelled by channel frequency, then one row per sweep.
type CSVSink struct {
	dir        string
	instrument string
	obs        config.Observatory
}

func NewCSVSink(dir, instrument string, obs config.Observatory) *CSVSink {
	return &CSVSink{dir: dir, instrument: instrument, obs: obs}
}

func (s *CSVSink) Name() string { return config.FormatCSV }

func (s *CSVSink) Write(ctx context.Context, b *models.Buffer) error {
	h := BuildHeader(b, s.instrument, s.obs)
	path := filePath(s.dir, s.instrument, b, "csv")
	_, err := writeAtomic(path, func(f *os.File) error {
		bw := bufio.NewWriter(f)
		for _, kv := range h.Pairs() {
			fmt.Fprintf(bw, "# %s=%s\n", kv[0], kv[1])
		}
		w := csv.NewWriter(bw)
		cols := []string{"time_utc", "mode", "focus_code"}
		for i := 0; i < h.NChannels; i++ {
			cols = append(cols, strconv.FormatFloat(b.Frequencies.Label(i), 'f', 3, 64))
		}
		if err := w.Write(cols); err != nil {
			return fmt.Errorf("write csv columns: %w", err)
		}
		for i, smp := range b.Samples {
			if i%256 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			rec := make([]string, 0, 3+len(smp.Values))
			rec = append(rec,
				smp.Time.UTC().Format("2006-01-02T15:04:05.000000Z"),
				strconv.Itoa(smp.Mode.Code()),
				strconv.Itoa(smp.FocusCode),
			)
			for _, v := range smp.Values {
				rec = append(rec, strconv.FormatFloat(v, 'f', -1, 64))
			}
			if err := w.Write(rec); err != nil {
				return fmt.Errorf("write csv row: %w", err)
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return fmt.Errorf("flush csv: %w", err)
		}
		return bw.Flush()
	})
	return err
}
