package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// InitDB opens the session database (in-memory by default) and ensures
// tables exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open(sqliteDriverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %q: %w", path, err)
	}

	// Conservative pool settings for SQLite
	db.SetMaxOpenConns(1) // SQLite is not great with many writers
	db.SetMaxIdleConns(1)

	// Pragmas to improve reliability
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set PRAGMA journal_mode=WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set PRAGMA foreign_keys=ON: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set PRAGMA busy_timeout=5000: %w", err)
	}

	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Fail fast if the DB cannot be reached
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return db, nil
}

const sqliteDriverName = "sqlite"

const schemaDaemonState = `
CREATE TABLE IF NOT EXISTS daemon_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    mode INTEGER NOT NULL,
    focus_code INTEGER NOT NULL,
    output_format TEXT NOT NULL,
    source TEXT NOT NULL,
    errors TEXT,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaDaemonEvents = `
CREATE TABLE IF NOT EXISTS daemon_events (
    id TEXT PRIMARY KEY,
    occurred_at TEXT NOT NULL,
    type TEXT NOT NULL,
    message TEXT NOT NULL,
    meta TEXT
);
`

const schemaOperators = `
CREATE TABLE IF NOT EXISTS operators (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    username TEXT UNIQUE NOT NULL,
    password_hash TEXT NOT NULL
);
`

const schemaArchiveBuffers = `
CREATE TABLE IF NOT EXISTS archive_buffers (
    id TEXT PRIMARY KEY,
    start_at INTEGER NOT NULL,
    end_at INTEGER NOT NULL,
    mode INTEGER NOT NULL,
    focus_code INTEGER NOT NULL,
    nsweeps INTEGER NOT NULL,
    gaps INTEGER NOT NULL,
    dropped INTEGER NOT NULL,
    reason TEXT NOT NULL,
    header TEXT NOT NULL
);
`

const schemaArchiveSpectra = `
CREATE TABLE IF NOT EXISTS archive_spectra (
    buffer_id TEXT NOT NULL REFERENCES archive_buffers(id) ON DELETE CASCADE,
    seq INTEGER NOT NULL,
    ts_us INTEGER NOT NULL,
    calibrated BOOLEAN NOT NULL,
    raw BLOB,
    vals TEXT NOT NULL,
    PRIMARY KEY (buffer_id, seq)
);
`

func ensureSchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	defer func() {
		// In case of panic, rollback to avoid leaving an open transaction
		_ = tx.Rollback()
	}()

	for i, stmt := range []string{
		schemaDaemonState,
		schemaDaemonEvents,
		schemaOperators,
		schemaArchiveBuffers,
		schemaArchiveSpectra,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema transaction: %w", err)
	}
	return nil
}
