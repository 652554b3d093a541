// internal/store/repository.go
// Package store persists runs and their decision logs to PostgreSQL or SQLite.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pageflow/internal/config"
	"github.com/xkilldash9x/pageflow/internal/decisionlog"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

const defaultListLimit = 20

// ErrRunNotFound is returned when finishing a run that was never begun.
var ErrRunNotFound = errors.New("run not found")

// Run is one persisted workflow run.
type Run struct {
	ID         string     `json:"id"`
	Workflow   string     `json:"workflow"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Failure    string     `json:"failure,omitempty"`
}

// Repository is implemented by both backends.
type Repository interface {
	Migrate(ctx context.Context) error
	BeginRun(ctx context.Context, run Run) error
	Record(ctx context.Context, e decisionlog.Entry) error
	FinishRun(ctx context.Context, runID, status, failure string) error
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	Decisions(ctx context.Context, runID string) ([]decisionlog.Entry, error)
	Close() error
}

// Open connects the backend selected by cfg and migrates it. The returned
// cleanup releases the connection. An empty driver yields a nil Repository.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Repository, func(), error) {
	switch cfg.Driver {
	case "":
		return nil, func() {}, nil

	case config.DriverPostgres:
		if cfg.DSN == "" {
			return nil, nil, fmt.Errorf("database DSN is not configured (PAGEFLOW_STORE_DSN)")
		}
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s, err := New(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to initialize store: %w", err)
		}
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, func() {
			pool.Close()
			logger.Debug("Database connection pool closed.")
		}, nil

	case config.DriverSQLite:
		path, err := homedir.Expand(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to expand sqlite path: %w", err)
		}
		s, err := OpenSQLite(ctx, path, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Warn("Failed to close sqlite database.", zap.Error(err))
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// Recorder adapts repo to a decision recorder. Persistence errors are logged
// and dropped so a flaky database never stops a run.
func Recorder(repo Repository, logger *zap.Logger) decisionlog.Recorder {
	log := logger.Named("store")
	return decisionlog.RecorderFunc(func(ctx context.Context, e decisionlog.Entry) {
		if err := repo.Record(context.WithoutCancel(ctx), e); err != nil {
			log.Warn("Failed to persist decision.", zap.String("run_id", e.RunID), zap.Error(err))
		}
	})
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
