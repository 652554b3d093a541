// internal/decisionlog/decisionlog_test.go
package decisionlog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMemoryRing(t *testing.T) {
	m := NewMemory(3)
	assert.Empty(t, m.Recent(0))

	for i := 1; i <= 5; i++ {
		m.Record(context.Background(), Entry{Step: i})
	}

	steps := func(es []Entry) []int {
		var out []int
		for _, e := range es {
			out = append(out, e.Step)
		}
		return out
	}
	assert.Equal(t, []int{3, 4, 5}, steps(m.Recent(0)))
	assert.Equal(t, []int{4, 5}, steps(m.Recent(2)))
	assert.Equal(t, []int{3, 4, 5}, steps(m.Recent(10)))
	assert.Equal(t, 5, m.Total())
}

func TestMemoryPartiallyFilled(t *testing.T) {
	m := NewMemory(4)
	m.Record(context.Background(), Entry{Step: 1})
	m.Record(context.Background(), Entry{Step: 2})
	got := m.Recent(0)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Step)
	assert.Equal(t, 2, got[1].Step)
}

func TestMultiAndStamp(t *testing.T) {
	a, b := NewMemory(4), NewMemory(4)
	rec := Stamp(Multi(a, nil, b), "run-1")
	rec.Record(context.Background(), Entry{Phase: PhaseIdentify, PageID: "A"})

	for _, m := range []*Memory{a, b} {
		got := m.Recent(0)
		require.Len(t, got, 1)
		assert.Equal(t, "run-1", got[0].RunID)
		assert.False(t, got[0].At.IsZero())
	}

	assert.NotNil(t, Multi())
	assert.Same(t, a, Multi(nil, a))
}

func TestZapRecorderLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	rec := NewZap(zap.New(core))

	rec.Record(context.Background(), Entry{Phase: PhaseIdentify, PageID: "A", Confidence: 0.9, Method: "url", ActionIndex: -1})
	rec.Record(context.Background(), Entry{Phase: PhaseFault, Strategy: "retry", ActionIndex: 2, Detail: "Transient fault classified."})
	rec.Record(context.Background(), Entry{Phase: PhaseFail, ActionIndex: -1, Detail: "Run failed."})

	entries := logs.AllUntimed()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "decision", entries[0].LoggerName)
	assert.Equal(t, "A", entries[0].ContextMap()["page_id"])
	assert.NotContains(t, entries[0].ContextMap(), "action_index")

	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "Transient fault classified.", entries[1].Message)
	assert.Equal(t, int64(2), entries[1].ContextMap()["action_index"])

	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
}
