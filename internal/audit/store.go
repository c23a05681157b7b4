// Package audit persists tool invocation records so operators can inspect
// which tools a workload reached, how long calls took, and which ones failed.
package audit

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lexcodex/mcpexec/internal/telemetry"
)

// Record is one persisted invocation event.
type Record struct {
	ID        int64
	Type      string
	Server    string
	Tool      string
	Error     string
	Duration  time.Duration
	Timestamp time.Time
}

// Store writes telemetry events to a SQLite database. It implements
// telemetry.Telemetry so it can be wired as a sink next to the JSON file log.
type Store struct {
	db *sql.DB
}

// Open opens/creates the database at dbPath and ensures the schema exists.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS invocations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		server TEXT,
		tool TEXT,
		error TEXT,
		duration_ns INTEGER,
		timestamp TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_invocations_server ON invocations(server);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Emit implements telemetry.Telemetry. Failures are swallowed; auditing is
// observability, not part of the call contract.
func (s *Store) Emit(event telemetry.Event) {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, _ = s.db.Exec(
		`INSERT INTO invocations (type, server, tool, error, duration_ns, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		string(event.Type), event.Server, event.Tool, event.Error, int64(event.Duration), ts,
	)
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, server, tool, error, duration_ns, timestamp
		 FROM invocations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var duration int64
		if err := rows.Scan(&rec.ID, &rec.Type, &rec.Server, &rec.Tool, &rec.Error, &duration, &rec.Timestamp); err != nil {
			return nil, err
		}
		rec.Duration = time.Duration(duration)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
