// Package panel is a terminal operator panel for a running workflow.
package panel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/xkilldash9x/pageflow/internal/control"
	"github.com/xkilldash9x/pageflow/internal/decisionlog"
)

const (
	refreshInterval = 250 * time.Millisecond
	decisionRows    = 8
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	pausedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	skipStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444444")).Padding(0, 1)
)

type keyMap struct {
	Pause key.Binding
	Skip  key.Binding
	Quit  key.Binding
}

func (k keyMap) ShortHelp() []key.Binding  { return []key.Binding{k.Pause, k.Skip, k.Quit} }
func (k keyMap) FullHelp() [][]key.Binding { return [][]key.Binding{k.ShortHelp()} }

func defaultKeys() keyMap {
	return keyMap{
		Pause: key.NewBinding(key.WithKeys("p", " "), key.WithHelp("p", "pause/resume")),
		Skip:  key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "skip page")),
		Quit:  key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "close panel")),
	}
}

type refreshMsg time.Time

// Model is the bubbletea model of the panel. Closing the panel leaves the
// run going.
type Model struct {
	surface *control.Surface
	recent  *decisionlog.Memory
	runID   string

	keys    keyMap
	help    help.Model
	state   control.State
	entries []decisionlog.Entry
	width   int
	closed  bool
}

// New creates a panel model. recent may be nil.
func New(surface *control.Surface, recent *decisionlog.Memory, runID string) Model {
	m := Model{
		surface: surface,
		recent:  recent,
		runID:   runID,
		keys:    defaultKeys(),
		help:    help.New(),
	}
	m.refresh()
	return m
}

func (m Model) Init() tea.Cmd { return tick() }

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return refreshMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Pause):
			m.surface.Toggle()
		case key.Matches(msg, m.keys.Skip):
			m.surface.RequestSkip()
		case key.Matches(msg, m.keys.Quit):
			m.closed = true
			return m, tea.Quit
		}
		m.refresh()
	case refreshMsg:
		m.refresh()
		return m, tick()
	}
	return m, nil
}

func (m *Model) refresh() {
	m.state = m.surface.State()
	if m.recent != nil {
		m.entries = m.recent.Recent(decisionRows)
	}
}

// Closed reports whether the operator closed the panel.
func (m Model) Closed() bool { return m.closed }

func (m Model) View() string {
	if m.closed {
		return ""
	}

	status := runningStyle.Render("RUNNING")
	if m.state.Paused {
		status = pausedStyle.Render("PAUSED")
	}
	if m.state.SkipPending {
		status += " " + skipStyle.Render("skip pending")
	}

	current, expected := m.pages()
	header := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("pageflow")+"  "+labelStyle.Render("run "+m.runID),
		labelStyle.Render("state    ")+status,
		labelStyle.Render("page     ")+orDash(current),
		labelStyle.Render("expected ")+orDash(expected),
	)

	lines := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		lines = append(lines, formatEntry(e))
	}
	if len(lines) == 0 {
		lines = append(lines, labelStyle.Render("no decisions yet"))
	}

	width := m.width - 2
	if width < 40 {
		width = 40
	}
	body := boxStyle.Width(width).Render(strings.Join(lines, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, header, body, m.help.View(m.keys))
}

// pages returns the latest detected and expected page ids seen in the log.
func (m Model) pages() (current, expected string) {
	for i := len(m.entries) - 1; i >= 0 && (current == "" || expected == ""); i-- {
		e := m.entries[i]
		if current == "" && e.PageID != "" {
			current = e.PageID
		}
		if expected == "" && e.ExpectedPageID != "" {
			expected = e.ExpectedPageID
		}
	}
	return current, expected
}

func formatEntry(e decisionlog.Entry) string {
	parts := []string{fmt.Sprintf("#%-3d %-10s", e.Step, e.Phase)}
	if e.PageID != "" {
		parts = append(parts, e.PageID)
	}
	if e.Confidence > 0 {
		parts = append(parts, fmt.Sprintf("%.2f", e.Confidence))
	}
	for _, s := range []string{e.Method, e.Strategy, e.Result} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// Run shows the panel until the operator closes it or ctx ends.
func Run(ctx context.Context, m Model, opts ...tea.ProgramOption) error {
	opts = append([]tea.ProgramOption{tea.WithContext(ctx)}, opts...)
	_, err := tea.NewProgram(m, opts...).Run()
	if err != nil && errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
