// internal/store/store.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pageflow/internal/decisionlog"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
        id TEXT PRIMARY KEY,
        workflow TEXT NOT NULL,
        started_at TIMESTAMPTZ NOT NULL,
        finished_at TIMESTAMPTZ,
        status TEXT NOT NULL,
        failure TEXT NOT NULL DEFAULT ''
    );`,
	`CREATE TABLE IF NOT EXISTS decisions (
        id BIGSERIAL PRIMARY KEY,
        run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
        step INTEGER NOT NULL,
        phase TEXT NOT NULL,
        page_id TEXT NOT NULL,
        expected_page_id TEXT NOT NULL,
        confidence DOUBLE PRECISION NOT NULL,
        method TEXT NOT NULL,
        strategy TEXT NOT NULL,
        result TEXT NOT NULL,
        action_index INTEGER NOT NULL,
        detail TEXT NOT NULL,
        at TIMESTAMPTZ NOT NULL
    );`,
	`CREATE INDEX IF NOT EXISTS decisions_run_id_idx ON decisions (run_id, id);`,
}

const (
	sqlInsertRun = `
        INSERT INTO runs (id, workflow, started_at, status)
        VALUES ($1, $2, $3, $4);
    `
	sqlFinishRun = `
        UPDATE runs SET finished_at = $2, status = $3, failure = $4
        WHERE id = $1;
    `
	sqlInsertDecision = `
        INSERT INTO decisions (run_id, step, phase, page_id, expected_page_id, confidence, method, strategy, result, action_index, detail, at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);
    `
	sqlListRuns = `
        SELECT id, workflow, started_at, finished_at, status, failure
        FROM runs
        ORDER BY started_at DESC
        LIMIT $1;
    `
	sqlDecisions = `
        SELECT run_id, step, phase, page_id, expected_page_id, confidence, method, strategy, result, action_index, detail, at
        FROM decisions
        WHERE run_id = $1
        ORDER BY id ASC;
    `
)

// Store is the PostgreSQL Repository.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Migrate creates the schema inside a single transaction.
func (s *Store) Migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	for i, stmt := range postgresSchema {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) BeginRun(ctx context.Context, run Run) error {
	startedAt := run.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	status := run.Status
	if status == "" {
		status = StatusRunning
	}
	if _, err := s.pool.Exec(ctx, sqlInsertRun, run.ID, run.Workflow, startedAt.UTC(), status); err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}
	return nil
}

func (s *Store) Record(ctx context.Context, e decisionlog.Entry) error {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.pool.Exec(ctx, sqlInsertDecision,
		e.RunID, e.Step, string(e.Phase), e.PageID, e.ExpectedPageID,
		e.Confidence, e.Method, e.Strategy, e.Result, e.ActionIndex,
		e.Detail, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision for run %s: %w", e.RunID, err)
	}
	return nil
}

func (s *Store) FinishRun(ctx context.Context, runID, status, failure string) error {
	tag, err := s.pool.Exec(ctx, sqlFinishRun, runID, time.Now().UTC(), status, failure)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.pool.Query(ctx, sqlListRuns, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Workflow, &r.StartedAt, &r.FinishedAt, &r.Status, &r.Failure); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}

func (s *Store) Decisions(ctx context.Context, runID string) ([]decisionlog.Entry, error) {
	rows, err := s.pool.Query(ctx, sqlDecisions, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var entries []decisionlog.Entry
	for rows.Next() {
		var (
			e     decisionlog.Entry
			phase string
		)
		err := rows.Scan(
			&e.RunID, &e.Step, &phase, &e.PageID, &e.ExpectedPageID,
			&e.Confidence, &e.Method, &e.Strategy, &e.Result, &e.ActionIndex,
			&e.Detail, &e.At,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision row: %w", err)
		}
		e.Phase = decisionlog.Phase(phase)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return entries, nil
}

// Close is a no-op; the pool belongs to the caller.
func (s *Store) Close() error { return nil }
