// Package runlog keeps a history of cycles in a SQLite database
package runlog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/petr-muller/ghwatch/internal/watch/cycle"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job TEXT NOT NULL,
    repo TEXT NOT NULL,
    trigger_name TEXT NOT NULL,
    hint TEXT,
    started_at TEXT NOT NULL,
    duration_ms INTEGER NOT NULL,
    state TEXT NOT NULL,
    fetched INTEGER NOT NULL,
    evaluated INTEGER NOT NULL,
    dispatched INTEGER NOT NULL,
    skipped INTEGER NOT NULL,
    rate_remaining INTEGER,
    error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_job ON runs(job, id);
`

// Run is one recorded cycle
type Run struct {
	ID            int64
	Job           string
	Repo          string
	Trigger       string
	Hint          string
	StartedAt     time.Time
	Duration      time.Duration
	State         string
	Fetched       int
	Evaluated     int
	Dispatched    int
	Skipped       int
	RateRemaining sql.NullInt64
	ErrorMessage  sql.NullString
}

// Database is the run log
type Database struct {
	conn   *sql.DB
	logger *logrus.Entry
}

var _ cycle.Recorder = &Database{}

// Open opens or creates the run log at path
func Open(path string, logger *logrus.Entry) (*Database, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// the driver serializes writes per connection
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Database{conn: conn, logger: logger}, nil
}

func (db *Database) Close() error {
	return db.conn.Close()
}

// RunFromResult converts a finished cycle into a run log row
func RunFromResult(result cycle.Result) Run {
	run := Run{
		Job:        result.Job,
		Repo:       result.Repo.String(),
		Trigger:    result.Trigger,
		StartedAt:  result.StartedAt,
		Duration:   result.Duration,
		State:      string(result.State),
		Fetched:    result.Fetched,
		Evaluated:  result.Evaluated,
		Dispatched: len(result.Causes),
		Skipped:    result.Skipped,
	}
	if result.Hint != nil {
		run.Hint = result.Hint.String()
	}
	if result.RateLimitAfter != nil {
		run.RateRemaining = sql.NullInt64{Int64: int64(result.RateLimitAfter.Remaining), Valid: true}
	}
	if len(result.Errors) > 0 {
		messages := make([]string, 0, len(result.Errors))
		for _, err := range result.Errors {
			messages = append(messages, err.Error())
		}
		run.ErrorMessage = sql.NullString{String: strings.Join(messages, "; "), Valid: true}
	}
	return run
}

// Record stores a finished cycle. Failures are only logged; losing history
// must never break the watcher.
func (db *Database) Record(result cycle.Result) {
	if err := db.Insert(RunFromResult(result)); err != nil {
		db.logger.WithError(err).WithField("job", result.Job).Warn("Cannot record run")
	}
}

// Insert stores a run
func (db *Database) Insert(run Run) error {
	var hint sql.NullString
	if run.Hint != "" {
		hint = sql.NullString{String: run.Hint, Valid: true}
	}
	_, err := db.conn.Exec(`
		INSERT INTO runs (job, repo, trigger_name, hint, started_at, duration_ms, state,
		                  fetched, evaluated, dispatched, skipped, rate_remaining, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.Job, run.Repo, run.Trigger, hint, run.StartedAt.UTC().Format(time.RFC3339Nano), run.Duration.Milliseconds(), run.State,
		run.Fetched, run.Evaluated, run.Dispatched, run.Skipped, run.RateRemaining, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("logging run: %w", err)
	}
	return nil
}

// Recent returns the latest runs, newest first. An empty job lists all jobs.
func (db *Database) Recent(job string, limit int) ([]Run, error) {
	query := `
		SELECT id, job, repo, trigger_name, hint, started_at, duration_ms, state,
		       fetched, evaluated, dispatched, skipped, rate_remaining, error_message
		FROM runs`
	var args []any
	if job != "" {
		query += ` WHERE job = ?`
		args = append(args, job)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var hint sql.NullString
		var startedAt string
		var durationMs int64
		if err := rows.Scan(
			&run.ID, &run.Job, &run.Repo, &run.Trigger, &hint, &startedAt, &durationMs, &run.State,
			&run.Fetched, &run.Evaluated, &run.Dispatched, &run.Skipped, &run.RateRemaining, &run.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		run.Hint = hint.String
		run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		run.Duration = time.Duration(durationMs) * time.Millisecond
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating run rows: %w", err)
	}
	return runs, nil
}

// ConsecutiveFailures counts the failed cycles of a job since its last
// successful one and returns when the latest of them started
func (db *Database) ConsecutiveFailures(job string) (int, time.Time, error) {
	row := db.conn.QueryRow(`
		SELECT COUNT(*), MAX(id) FROM runs
		WHERE job = ? AND state = ? AND id > COALESCE((SELECT MAX(id) FROM runs WHERE job = ? AND state != ?), 0)`,
		job, string(cycle.StateFailed), job, string(cycle.StateFailed))

	var failures int
	var lastID sql.NullInt64
	if err := row.Scan(&failures, &lastID); err != nil {
		return 0, time.Time{}, fmt.Errorf("counting failures: %w", err)
	}
	if !lastID.Valid {
		return failures, time.Time{}, nil
	}

	var startedAt string
	if err := db.conn.QueryRow(`SELECT started_at FROM runs WHERE id = ?`, lastID.Int64).Scan(&startedAt); err != nil {
		return 0, time.Time{}, fmt.Errorf("loading last failure: %w", err)
	}
	last, _ := time.Parse(time.RFC3339Nano, startedAt)
	return failures, last, nil
}
