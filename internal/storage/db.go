package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is the SQLite-style timestamp format used throughout.
const timeLayout = "2006-01-02 15:04:05"

// DB wraps the SQLite database holding peers, rooms and messages.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the SQLite database in the given directory.
func Open(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "nearby.db")

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS peers (
			uuid           TEXT PRIMARY KEY,
			display_name   TEXT NOT NULL DEFAULT '',
			created_at     DATETIME DEFAULT CURRENT_TIMESTAMP,
			modified_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_seen      DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_connected DATETIME
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create peers table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS rooms (
			uuid        TEXT PRIMARY KEY,
			name        TEXT NOT NULL DEFAULT '',
			owner_uuid  TEXT NOT NULL REFERENCES peers(uuid),
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			modified_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create rooms table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS room_participants (
			room_uuid TEXT NOT NULL REFERENCES rooms(uuid),
			peer_uuid TEXT NOT NULL REFERENCES peers(uuid),
			PRIMARY KEY (room_uuid, peer_uuid)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create room participants table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			uuid        TEXT PRIMARY KEY,
			room_uuid   TEXT NOT NULL REFERENCES rooms(uuid),
			owner_uuid  TEXT NOT NULL REFERENCES peers(uuid),
			content     TEXT NOT NULL DEFAULT '',
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			modified_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Tx is a write transaction. Exactly one Tx is live at a time: Begin holds
// the database write lock until Commit or Rollback, which is what keeps
// multi-step operations from observing each other half-done.
type Tx struct {
	tx   *sql.Tx
	d    *DB
	done bool
}

// Begin starts a write transaction.
func (d *DB) Begin() (*Tx, error) {
	d.mu.Lock()
	tx, err := d.db.Begin()
	if err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &Tx{tx: tx, d: d}, nil
}

// Commit commits the transaction and releases the write lock.
func (t *Tx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	err := t.tx.Commit()
	t.d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. Safe to call after Commit (no-op), so it
// can be deferred unconditionally.
func (t *Tx) Rollback() {
	if t.done {
		return
	}
	t.done = true
	_ = t.tx.Rollback()
	t.d.mu.Unlock()
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
