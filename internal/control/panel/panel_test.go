package panel

import (
	"context"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xkilldash9x/pageflow/internal/control"
	"github.com/xkilldash9x/pageflow/internal/decisionlog"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func press(t *testing.T, m tea.Model, r rune) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	pm, ok := next.(Model)
	require.True(t, ok)
	return pm, cmd
}

func TestKeysDriveTheSurface(t *testing.T) {
	surface := control.New()
	m := New(surface, nil, "run-1")

	m, cmd := press(t, m, 'p')
	assert.Nil(t, cmd)
	assert.True(t, surface.Paused())
	assert.True(t, m.state.Paused)
	assert.Contains(t, m.View(), "PAUSED")

	m, _ = press(t, m, 'p')
	assert.False(t, surface.Paused())
	assert.Contains(t, m.View(), "RUNNING")

	m, _ = press(t, m, 's')
	assert.True(t, surface.SkipPending())
	assert.Contains(t, m.View(), "skip pending")

	m, cmd = press(t, m, 'q')
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
	assert.True(t, m.Closed())
	assert.Empty(t, m.View())
	assert.True(t, surface.SkipPending(), "closing the panel leaves the run alone")
}

func TestViewShowsRecentDecisions(t *testing.T) {
	mem := decisionlog.NewMemory(32)
	ctx := context.Background()
	mem.Record(ctx, decisionlog.Entry{Step: 1, Phase: decisionlog.PhaseIdentify, PageID: "email", ExpectedPageID: "email", Confidence: 0.9, Method: "url"})
	mem.Record(ctx, decisionlog.Entry{Step: 1, Phase: decisionlog.PhaseExecute, PageID: "email", Result: "success"})
	mem.Record(ctx, decisionlog.Entry{Step: 2, Phase: decisionlog.PhaseResync, PageID: "password", ExpectedPageID: "verify", Strategy: "forward"})

	m := New(control.New(), mem, "run-42")
	view := m.View()
	assert.Contains(t, view, "run-42")
	assert.Contains(t, view, "0.90")
	assert.Contains(t, view, "forward")

	current, expected := m.pages()
	assert.Equal(t, "password", current)
	assert.Equal(t, "verify", expected)
}

func TestRefreshTicks(t *testing.T) {
	surface := control.New()
	m := New(surface, nil, "r")
	surface.Pause()

	next, cmd := m.Update(refreshMsg{})
	assert.NotNil(t, cmd, "refresh reschedules itself")
	assert.True(t, next.(Model).state.Paused)

	next, _ = next.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	assert.Equal(t, 100, next.(Model).width)
}

func TestEmptyView(t *testing.T) {
	m := New(control.New(), decisionlog.NewMemory(4), "r")
	assert.Contains(t, m.View(), "no decisions yet")
	assert.Contains(t, m.View(), "expected -")
}
