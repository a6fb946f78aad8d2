package sink

import (
	"context"
	"fmt"
	"os"

	"callisto_daemon/internal/config"
	"callisto_daemon/internal/models"

	"github.com/parquet-go/parquet-go"
)

// spectrumRow is one sweep in a parquet file.
type spectrumRow struct {
	TimeUS     int64     `parquet:"time_us"`
	Mode       int32     `parquet:"mode"`
	FocusCode  int32     `parquet:"focus_code"`
	Calibrated bool      `parquet:"calibrated"`
	Raw        []byte    `parquet:"raw"`
	Values     []float64 `parquet:"values"`
}

// ParquetSink writes one parquet file per buffer with the header stored as
// key/value metadata.
type ParquetSink struct {
	dir        string
	instrument string
	obs        config.Observatory
}

func NewParquetSink(dir, instrument string, obs config.Observatory) *ParquetSink {
	return &ParquetSink{dir: dir, instrument: instrument, obs: obs}
}

func (s *ParquetSink) Name() string { return config.FormatParquet }

func (s *ParquetSink) Write(ctx context.Context, b *models.Buffer) error {
	h := BuildHeader(b, s.instrument, s.obs)
	opts := make([]parquet.WriterOption, 0, len(h.Pairs()))
	for _, kv := range h.Pairs() {
		opts = append(opts, parquet.KeyValueMetadata(kv[0], kv[1]))
	}
	rows := make([]spectrumRow, 0, b.Len())
	for _, smp := range b.Samples {
		rows = append(rows, spectrumRow{
			TimeUS:     smp.Time.UnixMicro(),
			Mode:       int32(smp.Mode),
			FocusCode:  int32(smp.FocusCode),
			Calibrated: smp.Calibrated,
			Raw:        smp.Raw,
			Values:     smp.Values,
		})
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	path := filePath(s.dir, s.instrument, b, "parquet")
	_, err := writeAtomic(path, func(f *os.File) error {
		w := parquet.NewGenericWriter[spectrumRow](f, opts...)
		if _, err := w.Write(rows); err != nil {
			_ = w.Close()
			return fmt.Errorf("write parquet rows: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("close parquet writer: %w", err)
		}
		return nil
	})
	return err
}
