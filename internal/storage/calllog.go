// Package storage persists call history in a per-peer SQLite database.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// CallRecord is one call attempt, from start to its final outcome.
type CallRecord struct {
	ID        string `json:"id"`
	GameID    string `json:"game_id"`
	LocalID   string `json:"local_id"`
	RemoteID  string `json:"remote_id"`
	Role      string `json:"role"`
	StartedAt int64  `json:"started_at"`
	EndedAt   int64  `json:"ended_at"`
	Outcome   string `json:"outcome"` // completed, canceled, failed, aborted
	Error     string `json:"error,omitempty"`
}

// CallLog wraps a SQLite database holding call history.
type CallLog struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the call history database in the given directory.
func Open(dataDir string) (*CallLog, error) {
	dbPath := filepath.Join(dataDir, "calls.db")

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id         TEXT PRIMARY KEY,
			game_id    TEXT NOT NULL,
			local_id   TEXT NOT NULL,
			remote_id  TEXT NOT NULL,
			role       TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at   INTEGER DEFAULT 0,
			outcome    TEXT DEFAULT '',
			error      TEXT DEFAULT ''
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	return &CallLog{db: db, path: dbPath}, nil
}

// Close closes the database.
func (l *CallLog) Close() error {
	return l.db.Close()
}

// Path returns the database file path.
func (l *CallLog) Path() string {
	return l.path
}

// Record inserts a new attempt. Outcome stays empty until Finish.
func (l *CallLog) Record(rec CallRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`
		INSERT INTO calls (id, game_id, local_id, remote_id, role, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.GameID, rec.LocalID, rec.RemoteID, rec.Role, rec.StartedAt)
	if err != nil {
		return fmt.Errorf("record call: %w", err)
	}
	return nil
}

// Finish stamps the attempt with its outcome and end time. Finishing an
// already finished attempt is a no-op.
func (l *CallLog) Finish(id, outcome, errMsg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`
		UPDATE calls
		SET ended_at = CAST(strftime('%s', 'now') AS INTEGER) * 1000,
		    outcome = ?, error = ?
		WHERE id = ? AND outcome = ''
	`, outcome, errMsg, id)
	if err != nil {
		return fmt.Errorf("finish call: %w", err)
	}
	return nil
}

// Recent returns the most recent attempts, newest first.
func (l *CallLog) Recent(limit int) ([]CallRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.Query(`
		SELECT id, game_id, local_id, remote_id, role, started_at, ended_at, outcome, error
		FROM calls ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		var r CallRecord
		if err := rows.Scan(&r.ID, &r.GameID, &r.LocalID, &r.RemoteID, &r.Role,
			&r.StartedAt, &r.EndedAt, &r.Outcome, &r.Error); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
