// Package history records run outcomes in a local SQLite database so earlier
// runs can be listed and compared.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/example/go-optest/internal/runner"

	// Pure Go driver registered as "sqlite".
	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	plan       TEXT NOT NULL,
	operator   TEXT NOT NULL,
	started_at TEXT NOT NULL,
	total      INTEGER NOT NULL,
	failures   INTEGER NOT NULL,
	ok         INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS results (
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	seq         INTEGER NOT NULL,
	unit_id     TEXT NOT NULL,
	status      TEXT NOT NULL,
	detail      TEXT NOT NULL,
	attempts    INTEGER NOT NULL,
	duration_ms REAL NOT NULL,
	xfail       INTEGER NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE INDEX IF NOT EXISTS runs_started_at ON runs(started_at);
`

// Run is one recorded run.
type Run struct {
	ID        string
	Plan      string
	Operator  string
	StartedAt time.Time
	Total     int
	Failures  int
	OK        bool
	Results   []Result
}

// Result is one unit outcome within a run.
type Result struct {
	UnitID     string
	Status     string
	Detail     string
	Attempts   int
	DurationMS float64
	XFail      bool
}

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("history: empty database path")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("history: create directory: %w", err)
		}
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}

	// A single connection keeps ":memory:" databases alive between calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON;" + schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: init schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores run and its results in one transaction.
func (s *Store) Record(ctx context.Context, run Run) (err error) {
	if run.ID == "" {
		return errors.New("history: run has no id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, plan, operator, started_at, total, failures, ok) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Plan, run.Operator, run.StartedAt.UTC().Format(time.RFC3339Nano), run.Total, run.Failures, boolInt(run.OK),
	)
	if err != nil {
		return fmt.Errorf("history: insert run %s: %w", run.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO results (run_id, seq, unit_id, status, detail, attempts, duration_ms, xfail) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("history: prepare: %w", err)
	}
	defer stmt.Close()

	for i, r := range run.Results {
		if _, err = stmt.ExecContext(ctx, run.ID, i, r.UnitID, r.Status, r.Detail, r.Attempts, r.DurationMS, boolInt(r.XFail)); err != nil {
			return fmt.Errorf("history: insert result %s: %w", r.UnitID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("history: commit: %w", err)
	}

	return nil
}

// Recent returns up to limit runs, newest first, without their results.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, plan, operator, started_at, total, failures, ok FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run

	for rows.Next() {
		var (
			run     Run
			started string
			ok      int
		)

		if err := rows.Scan(&run.ID, &run.Plan, &run.Operator, &started, &run.Total, &run.Failures, &ok); err != nil {
			return nil, fmt.Errorf("history: scan run: %w", err)
		}

		run.StartedAt, err = time.Parse(time.RFC3339Nano, started)
		if err != nil {
			return nil, fmt.Errorf("history: run %s has bad timestamp %q: %w", run.ID, started, err)
		}

		run.OK = ok != 0
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// Results returns the recorded unit outcomes of runID in execution order.
func (s *Store) Results(ctx context.Context, runID string) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT unit_id, status, detail, attempts, duration_ms, xfail FROM results WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("history: query results: %w", err)
	}
	defer rows.Close()

	var out []Result

	for rows.Next() {
		var (
			r     Result
			xfail int
		)

		if err := rows.Scan(&r.UnitID, &r.Status, &r.Detail, &r.Attempts, &r.DurationMS, &xfail); err != nil {
			return nil, fmt.Errorf("history: scan result: %w", err)
		}

		r.XFail = xfail != 0
		out = append(out, r)
	}

	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

// NewRun converts runner results into a history record.
func NewRun(id, planPath, operator string, started time.Time, results []runner.Result) Run {
	s := runner.Summarize(results)

	run := Run{
		ID:        id,
		Plan:      planPath,
		Operator:  operator,
		StartedAt: started,
		Total:     s.Total,
		Failures:  s.Failures(),
		OK:        s.OK(),
		Results:   make([]Result, len(results)),
	}

	for i, r := range results {
		run.Results[i] = Result{
			UnitID:     r.ID,
			Status:     string(r.Status),
			Detail:     r.Detail,
			Attempts:   r.Attempts,
			DurationMS: float64(r.Duration.Microseconds()) / 1000,
			XFail:      r.XFail,
		}
	}

	return run
}
