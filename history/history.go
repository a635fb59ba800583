// Package history keeps a SQLite log of per-site run outcomes.
//
// The log is observability only: the monitoring pipeline works without it
// (empty path disables it) and never reads it back during a run.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS run_log (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    site_id       TEXT NOT NULL,
    status        TEXT NOT NULL,
    documents     INTEGER NOT NULL DEFAULT 0,
    new_count     INTEGER NOT NULL DEFAULT 0,
    updated_count INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    ran_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_log_site ON run_log(site_id, ran_at DESC);
`

// Entry is one site run outcome.
type Entry struct {
	SiteID    string
	Status    string // ok | error
	Documents int
	New       int
	Updated   int
	Error     string
	Duration  time.Duration
	RanAt     time.Time
}

// Log is the run history store.
type Log struct {
	db *sql.DB
}

// Open opens (and migrates) the run log database.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: schema: %w", err)
	}
	return &Log{db: db}, nil
}

// Record appends one entry. A nil Log is a no-op so callers need no guard.
func (l *Log) Record(ctx context.Context, e *Entry) error {
	if l == nil {
		return nil
	}
	ranAt := e.RanAt
	if ranAt.IsZero() {
		ranAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO run_log (site_id, status, documents, new_count, updated_count, error_message, duration_ms, ran_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SiteID, e.Status, e.Documents, e.New, e.Updated, e.Error,
		e.Duration.Milliseconds(), ranAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("history: record: %w", err)
	}
	return nil
}

// Recent returns the latest entries for a site, newest first.
func (l *Log) Recent(ctx context.Context, siteID string, limit int) ([]*Entry, error) {
	if l == nil {
		return nil, nil
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT site_id, status, documents, new_count, updated_count, error_message, duration_ms, ran_at
		 FROM run_log WHERE site_id = ? ORDER BY ran_at DESC LIMIT ?`, siteID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		var durMs, ranAt int64
		if err := rows.Scan(&e.SiteID, &e.Status, &e.Documents, &e.New, &e.Updated,
			&e.Error, &durMs, &ranAt); err != nil {
			return nil, err
		}
		e.Duration = time.Duration(durMs) * time.Millisecond
		e.RanAt = time.UnixMilli(ranAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	return l.db.Close()
}
