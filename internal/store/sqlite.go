// internal/store/sqlite.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/xkilldash9x/pageflow/internal/decisionlog"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
        id TEXT PRIMARY KEY,
        workflow TEXT NOT NULL,
        started_at TEXT NOT NULL,
        finished_at TEXT,
        status TEXT NOT NULL,
        failure TEXT NOT NULL DEFAULT ''
    );`,
	`CREATE TABLE IF NOT EXISTS decisions (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
        step INTEGER NOT NULL,
        phase TEXT NOT NULL,
        page_id TEXT NOT NULL,
        expected_page_id TEXT NOT NULL,
        confidence REAL NOT NULL,
        method TEXT NOT NULL,
        strategy TEXT NOT NULL,
        result TEXT NOT NULL,
        action_index INTEGER NOT NULL,
        detail TEXT NOT NULL,
        at TEXT NOT NULL
    );`,
	`CREATE INDEX IF NOT EXISTS decisions_run_id_idx ON decisions (run_id, id);`,
}

// Fixed-width so timestamps sort lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLite is the single-file Repository used when no PostgreSQL server is
// configured. Timestamps are stored as RFC 3339 text in UTC.
type SQLite struct {
	db  *sql.DB
	log *zap.Logger
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &SQLite{db: db, log: logger.Named("store")}, nil
}

func (s *SQLite) Migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	for i, stmt := range sqliteSchema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLite) BeginRun(ctx context.Context, run Run) error {
	startedAt := run.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	status := run.Status
	if status == "" {
		status = StatusRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow, started_at, status) VALUES (?, ?, ?, ?)`,
		run.ID, run.Workflow, formatTime(startedAt), status)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}
	return nil
}

func (s *SQLite) Record(ctx context.Context, e decisionlog.Entry) error {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (run_id, step, phase, page_id, expected_page_id, confidence, method, strategy, result, action_index, detail, at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Step, string(e.Phase), e.PageID, e.ExpectedPageID,
		e.Confidence, e.Method, e.Strategy, e.Result, e.ActionIndex,
		e.Detail, formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to insert decision for run %s: %w", e.RunID, err)
	}
	return nil
}

func (s *SQLite) FinishRun(ctx context.Context, runID, status, failure string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, status = ?, failure = ? WHERE id = ?`,
		formatTime(time.Now()), status, failure, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

func (s *SQLite) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow, started_at, finished_at, status, failure
         FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`,
		normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r        Run
			started  string
			finished sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Workflow, &started, &finished, &r.Status, &r.Failure); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if finished.Valid {
			t, err := parseTime(finished.String)
			if err != nil {
				return nil, err
			}
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}

func (s *SQLite) Decisions(ctx context.Context, runID string) ([]decisionlog.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, step, phase, page_id, expected_page_id, confidence, method, strategy, result, action_index, detail, at
         FROM decisions WHERE run_id = ? ORDER BY id ASC`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var entries []decisionlog.Entry
	for rows.Next() {
		var (
			e         decisionlog.Entry
			phase, at string
		)
		err := rows.Scan(
			&e.RunID, &e.Step, &phase, &e.PageID, &e.ExpectedPageID,
			&e.Confidence, &e.Method, &e.Strategy, &e.Result, &e.ActionIndex,
			&e.Detail, &at,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision row: %w", err)
		}
		e.Phase = decisionlog.Phase(phase)
		if e.At, err = parseTime(at); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return entries, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func formatTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}
