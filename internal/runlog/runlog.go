// Package runlog keeps a local history of pipeline cycles in SQLite, so an
// operator can see what ran, for whom, and with what outcome without
// querying the canonical database.
package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// Entry is one recorded pipeline cycle.
type Entry struct {
	ID         string         `json:"id"`
	Company    string         `json:"company"`
	Kind       string         `json:"kind"`
	Status     string         `json:"status"`
	Detail     map[string]int `json:"detail,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Entry statuses.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Log records cycles in a local SQLite database.
type Log struct {
	db *sql.DB
}

// Open opens (or creates) the run log at the given path with WAL mode.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "runlog: exec %s", pragma)
		}
	}

	migration := `
CREATE TABLE IF NOT EXISTS cycles (
	id          TEXT PRIMARY KEY,
	company     TEXT NOT NULL,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	detail      TEXT,
	error       TEXT NOT NULL DEFAULT '',
	started_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	finished_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_cycles_company ON cycles(company);
CREATE INDEX IF NOT EXISTS idx_cycles_started ON cycles(started_at);
`
	if _, err := db.Exec(migration); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "runlog: migrate")
	}
	return &Log{db: db}, nil
}

func (l *Log) Close() error {
	return l.db.Close()
}

// Start records the beginning of a cycle and returns its id.
func (l *Log) Start(ctx context.Context, company, kind string) (string, error) {
	id := uuid.New().String()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO cycles (id, company, kind, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, company, kind, StatusRunning, time.Now().UTC())
	if err != nil {
		return "", eris.Wrap(err, "runlog: start cycle")
	}
	return id, nil
}

// Complete marks a cycle finished, attaching per-stage counters.
func (l *Log) Complete(ctx context.Context, id string, detail map[string]int) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return eris.Wrap(err, "runlog: marshal detail")
	}
	_, err = l.db.ExecContext(ctx,
		`UPDATE cycles SET status = ?, detail = ?, finished_at = ? WHERE id = ?`,
		StatusComplete, string(detailJSON), time.Now().UTC(), id)
	return eris.Wrap(err, "runlog: complete cycle")
}

// Fail marks a cycle failed with its cause.
func (l *Log) Fail(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := l.db.ExecContext(ctx,
		`UPDATE cycles SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		StatusFailed, msg, time.Now().UTC(), id)
	return eris.Wrap(err, "runlog: fail cycle")
}

// Recent returns the most recent cycles, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, company, kind, status, detail, error, started_at, finished_at
		 FROM cycles ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: list cycles")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var detailJSON sql.NullString
		var finished sql.NullTime
		if err := rows.Scan(&e.ID, &e.Company, &e.Kind, &e.Status, &detailJSON, &e.Error, &e.StartedAt, &finished); err != nil {
			return nil, eris.Wrap(err, "runlog: scan cycle")
		}
		if detailJSON.Valid && detailJSON.String != "" {
			if err := json.Unmarshal([]byte(detailJSON.String), &e.Detail); err != nil {
				return nil, eris.Wrap(err, "runlog: unmarshal detail")
			}
		}
		if finished.Valid {
			e.FinishedAt = &finished.Time
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "runlog: list cycles")
}
