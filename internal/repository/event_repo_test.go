package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"callisto_daemon/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
)

func ctx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestAppend_Success_WithDefaults(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	repo := NewEventSQLite(db)

	mock.ExpectExec(regexp.QuoteMeta(insertEventSQL)).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "STATE_CHANGED", "IDLE -> CONTINUOUS", `{"focus":59}`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.Append(ctx(t), models.DaemonEvent{
		Type:        "  state_changed ",
		Description: "IDLE -> CONTINUOUS",
		Metadata:    map[string]any{"focus": 59},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("mock expectations: %v", err)
	}
}

func TestAppend_FormatsGivenTimeInUTC(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	at := time.Date(2026, 6, 1, 14, 30, 0, 250e6, time.FixedZone("UTC+2", 7200))
	mock.ExpectExec(regexp.QuoteMeta(insertEventSQL)).
		WithArgs("ev-1", "2026-06-01 12:30:00.250", "ERROR", "boom", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = NewEventSQLite(db).Append(ctx(t), models.DaemonEvent{
		EventID: "ev-1", OccurredAt: at, Type: "error", Description: "boom",
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("mock expectations: %v", err)
	}
}

func TestAppend_DBError(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	boom := errors.New("insert failed")
	mock.ExpectExec(regexp.QuoteMeta(insertEventSQL)).WillReturnError(boom)

	if err := NewEventSQLite(db).Append(ctx(t), models.DaemonEvent{Type: "ERROR"}); !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
}

func TestList_FiltersAndDecodesMetadata(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	from := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT id, occurred_at, type, message, meta FROM daemon_events WHERE occurred_at >= ? AND occurred_at <= ? AND type = ? ORDER BY occurred_at ASC`)).
		WithArgs("2026-06-01 00:00:00.000", "2026-06-02 00:00:00.000", "STATE_CHANGED").
		WillReturnRows(sqlmock.NewRows([]string{"id", "occurred_at", "type", "message", "meta"}).
			AddRow("a", "2026-06-01 04:00:00.000", "STATE_CHANGED", "to continuous", `{"to":3}`).
			AddRow("b", "2026-06-01 12:00:00.000", "STATE_CHANGED", "to overview", "not-json"))

	out, err := NewEventSQLite(db).List(ctx(t), from, to, " state_changed")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 events, got %d", len(out))
	}
	if !out[0].OccurredAt.Equal(from.Add(4 * time.Hour)) {
		t.Fatalf("occurred_at = %v", out[0].OccurredAt)
	}
	meta, ok := out[0].Metadata.(map[string]any)
	if !ok || meta["to"] != float64(3) {
		t.Fatalf("metadata = %#v", out[0].Metadata)
	}
	if out[1].Metadata != "not-json" {
		t.Fatalf("malformed metadata should be kept raw, got %#v", out[1].Metadata)
	}
}

func TestList_NoFilters(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, occurred_at, type, message, meta FROM daemon_events ORDER BY occurred_at ASC`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "occurred_at", "type", "message", "meta"}))

	out, err := NewEventSQLite(db).List(ctx(t), time.Time{}, time.Time{}, "")
	if err != nil || len(out) != 0 {
		t.Fatalf("got %v, %v", out, err)
	}
}
