package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"callisto_daemon/internal/models"
)

type StateSQLite struct {
	db *sql.DB
}

func NewStateSQLite(db *sql.DB) *StateSQLite {
	return &StateSQLite{db: db}
}

const (
	daemonStateRowID = 1

	insertOrUpdateStateSQL = `
		INSERT INTO daemon_state (id, mode, focus_code, output_format, source, errors, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			mode=excluded.mode,
			focus_code=excluded.focus_code,
			output_format=excluded.output_format,
			source=excluded.source,
			errors=excluded.errors,
			updated_at=excluded.updated_at
	`

	selectStateSQL = `
		SELECT id, mode, focus_code, output_format, source, errors, updated_at
		FROM daemon_state WHERE id=?
	`
)

// marshalErrorCodes converts the slice to a JSON string.
func marshalErrorCodes(codes []string) (string, error) {
	b, err := json.Marshal(codes)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// unmarshalErrorCodes parses a JSON string into a slice.
func unmarshalErrorCodes(s string) ([]string, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	var codes []string
	if err := json.Unmarshal([]byte(s), &codes); err != nil {
		return nil, err
	}
	return codes, nil
}

// Save updates or inserts the daemon_state row (id always 1).
func (r *StateSQLite) Save(ctx context.Context, state models.DaemonState) error {
	errorsJSONStr, err := marshalErrorCodes(state.ErrorCodes)
	if err != nil {
		return err
	}

	tsUTC := state.UpdatedAt
	if tsUTC.IsZero() {
		tsUTC = time.Now().UTC()
	} else {
		tsUTC = tsUTC.UTC()
	}

	_, err = r.db.ExecContext(ctx, insertOrUpdateStateSQL,
		daemonStateRowID,
		state.Mode.Code(),
		state.FocusCode,
		state.OutputFormat,
		string(state.Source),
		errorsJSONStr,
		tsUTC,
	)
	return err
}

// Load fetches the single daemon_state row. A missing row yields the zero
// value and no error.
func (r *StateSQLite) Load(ctx context.Context) (models.DaemonState, error) {
	row := r.db.QueryRowContext(ctx, selectStateSQL, daemonStateRowID)

	var (
		s             models.DaemonState
		modeCode      int
		source        string
		errorsJSONStr string
	)
	if err := row.Scan(
		&s.ID,
		&modeCode,
		&s.FocusCode,
		&s.OutputFormat,
		&source,
		&errorsJSONStr,
		&s.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DaemonState{}, nil
		}
		return models.DaemonState{}, err
	}

	mode, err := models.ModeFromCode(modeCode)
	if err != nil {
		return models.DaemonState{}, err
	}
	codes, err := unmarshalErrorCodes(errorsJSONStr)
	if err != nil {
		return models.DaemonState{}, err
	}
	s.Mode = mode
	s.Source = models.TransitionSource(source)
	s.ErrorCodes = codes
	s.UpdatedAt = s.UpdatedAt.UTC()

	return s, nil
}
