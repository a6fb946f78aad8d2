package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"callisto_daemon/internal/models"
)

const (
	insertArchiveBufferSQL = `
		INSERT INTO archive_buffers (id, start_at, end_at, mode, focus_code, nsweeps, gaps, dropped, reason, header)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	insertArchiveSpectrumSQL = `
		INSERT INTO archive_spectra (buffer_id, seq, ts_us, calibrated, raw, vals)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	countArchiveBuffersSQL = `SELECT COUNT(*) FROM archive_buffers`
)

type ArchiveSQLite struct {
	db *sql.DB
}

func NewArchiveSQLite(db *sql.DB) *ArchiveSQLite { return &ArchiveSQLite{db: db} }

// SaveBuffer stores the buffer row and one row per sweep in a single
// transaction.
func (r *ArchiveSQLite) SaveBuffer(ctx context.Context, b *models.Buffer, header string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, insertArchiveBufferSQL,
		b.ID,
		b.Start.UTC().UnixMicro(),
		b.End.UTC().UnixMicro(),
		b.Mode.Code(),
		b.FocusCode,
		b.Len(),
		b.Gaps,
		b.Dropped,
		string(b.Reason),
		header,
	); err != nil {
		return fmt.Errorf("insert archive buffer %s: %w", b.ID, err)
	}

	for i, s := range b.Samples {
		vals, err := json.Marshal(s.Values)
		if err != nil {
			return fmt.Errorf("marshal sweep %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx, insertArchiveSpectrumSQL,
			b.ID, i, s.Time.UTC().UnixMicro(), s.Calibrated, s.Raw, string(vals),
		); err != nil {
			return fmt.Errorf("insert sweep %d of %s: %w", i, b.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive transaction: %w", err)
	}
	return nil
}

// CountBuffers returns the number of archived buffers.
func (r *ArchiveSQLite) CountBuffers(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, countArchiveBuffersSQL).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
