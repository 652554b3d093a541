package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/pageflow/internal/decisionlog"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func newMockStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return s, mockPool
}

// -- Test Cases --

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()

	t.Run("should apply every statement in one transaction", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newMockStore(t, zap.New(observedZapCore))

		mockPool.ExpectBegin()
		for _, stmt := range postgresSchema {
			mockPool.ExpectExec(flexibleSQLMatcher(stmt)).WillReturnResult(pgxmock.NewResult("CREATE", 0))
		}
		// Expect Commit AND the subsequent Rollback (which returns ErrTxClosed)
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.Migrate(ctx))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "Expected no errors logged on successful commit")
	})

	t.Run("should roll back when a statement fails", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())

		dbErr := errors.New("permission denied")
		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(postgresSchema[0])).WillReturnError(dbErr)
		mockPool.ExpectRollback()

		err := s.Migrate(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, dbErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestBeginAndFinishRun(t *testing.T) {
	ctx := context.Background()
	s, mockPool := newMockStore(t, zap.NewNop())

	started := time.Date(2025, 3, 1, 9, 0, 0, 0, time.FixedZone("CET", 3600))
	mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
		WithArgs("run-1", "signup", started.UTC(), StatusRunning).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.BeginRun(ctx, Run{ID: "run-1", Workflow: "signup", StartedAt: started}))

	mockPool.ExpectExec(flexibleSQLMatcher(sqlFinishRun)).
		WithArgs("run-1", pgxmock.AnyArg(), StatusFailed, "run failed at page A").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, s.FinishRun(ctx, "run-1", StatusFailed, "run failed at page A"))

	mockPool.ExpectExec(flexibleSQLMatcher(sqlFinishRun)).
		WithArgs("ghost", pgxmock.AnyArg(), StatusCompleted, "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	assert.ErrorIs(t, s.FinishRun(ctx, "ghost", StatusCompleted, ""), ErrRunNotFound)

	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRecordDecision(t *testing.T) {
	ctx := context.Background()
	s, mockPool := newMockStore(t, zap.NewNop())

	at := time.Date(2025, 3, 1, 9, 0, 1, 0, time.UTC)
	e := decisionlog.Entry{
		RunID: "run-1", Step: 2, Phase: decisionlog.PhaseResync,
		PageID: "B", ExpectedPageID: "A", Confidence: 0.8, Method: "url",
		Strategy: "forward", ActionIndex: -1, Detail: "identified page differs", At: at,
	}
	mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertDecision)).
		WithArgs("run-1", 2, "resync", "B", "A", 0.8, "url", "forward", "", -1, "identified page differs", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.Record(ctx, e))

	dbErr := errors.New("connection reset")
	mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertDecision)).WillReturnError(dbErr)
	assert.ErrorIs(t, s.Record(ctx, e), dbErr)

	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestListRunsAndDecisions(t *testing.T) {
	ctx := context.Background()
	s, mockPool := newMockStore(t, zap.NewNop())

	started := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	finished := started.Add(time.Minute)
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlListRuns)).
		WithArgs(defaultListLimit).
		WillReturnRows(pgxmock.NewRows([]string{"id", "workflow", "started_at", "finished_at", "status", "failure"}).
			AddRow("run-2", "signup", started, &finished, StatusCompleted, "").
			AddRow("run-1", "signup", started, (*time.Time)(nil), StatusRunning, ""))

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	require.NotNil(t, runs[0].FinishedAt)
	assert.True(t, finished.Equal(*runs[0].FinishedAt))
	assert.Nil(t, runs[1].FinishedAt)

	mockPool.ExpectQuery(flexibleSQLMatcher(sqlDecisions)).
		WithArgs("run-2").
		WillReturnRows(pgxmock.NewRows([]string{"run_id", "step", "phase", "page_id", "expected_page_id", "confidence", "method", "strategy", "result", "action_index", "detail", "at"}).
			AddRow("run-2", 1, "identify", "A", "A", 0.9, "url", "", "", -1, "https://x.test/step1", started).
			AddRow("run-2", 1, "execute", "A", "", 0.0, "", "", "success", 0, "input", started))

	entries, err := s.Decisions(ctx, "run-2")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, decisionlog.PhaseIdentify, entries[0].Phase)
	assert.Equal(t, -1, entries[0].ActionIndex)
	assert.Equal(t, "success", entries[1].Result)

	mockPool.ExpectQuery(flexibleSQLMatcher(sqlDecisions)).
		WithArgs("run-3").
		WillReturnError(errors.New("boom"))
	_, err = s.Decisions(ctx, "run-3")
	assert.Error(t, err)

	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRecorderLogsPersistenceErrors(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	observedZapCore, observedLogs := observer.New(zapcore.WarnLevel)

	rec := Recorder(s, zap.New(observedZapCore))
	mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertDecision)).WillReturnError(errors.New("disk full"))

	assert.NotPanics(t, func() {
		rec.Record(context.Background(), decisionlog.Entry{RunID: "run-1", Phase: decisionlog.PhaseExecute})
	})
	require.Equal(t, 1, observedLogs.Len())
	assert.Equal(t, "Failed to persist decision.", observedLogs.All()[0].Message)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
