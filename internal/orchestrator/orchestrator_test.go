// internal/orchestrator/orchestrator_test.go
package orchestrator

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/pageflow/internal/action"
	"github.com/xkilldash9x/pageflow/internal/browser/browsertest"
	"github.com/xkilldash9x/pageflow/internal/config"
	"github.com/xkilldash9x/pageflow/internal/control"
	"github.com/xkilldash9x/pageflow/internal/decisionlog"
	"github.com/xkilldash9x/pageflow/internal/detector"
	"github.com/xkilldash9x/pageflow/internal/executor"
	"github.com/xkilldash9x/pageflow/internal/workflow"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const twoStepYAML = `
name: two-step
pages:
  - id: A
    primary_identifier: {type: url, pattern: "/step1$"}
    next_pages: [B]
    actions:
      - {type: input, selector: "#email", value: "{email}", typing: instant}
      - {type: click, selector: "#submit"}
  - id: B
    primary_identifier: {type: url, pattern: "/step2$"}
    actions:
      - {type: delay, duration: 0.01}
`

// -- Test Harness --

type harness struct {
	t    *testing.T
	spec *workflow.Spec
	sess *browsertest.Session
	gate *control.Surface
	mem  *decisionlog.Memory
	cfg  config.OrchestratorConfig
	exec *executor.Executor
	det  *detector.Detector
}

func newHarness(t *testing.T, startURL string) *harness {
	t.Helper()
	return newHarnessFor(t, twoStepYAML, startURL)
}

func newHarnessFor(t *testing.T, flow, startURL string) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	spec, err := workflow.Parse([]byte(flow))
	require.NoError(t, err)

	cfg := config.NewDefaultConfig()
	det, err := detector.New(spec, cfg.Engine().Detector, logger)
	require.NoError(t, err)

	acfg := cfg.Engine().Action
	acfg.DelaySlice = 5 * time.Millisecond
	acfg.ElementTimeout = 20 * time.Millisecond
	acfg.RetryBackoff = time.Millisecond
	acfg.NotFoundBackoff = time.Millisecond

	ocfg := cfg.Engine().Orchestrator
	ocfg.MaxFallbackRetries = 3
	ocfg.RetryWaitMin = time.Millisecond
	ocfg.RetryWaitMax = 2 * time.Millisecond
	ocfg.TransitionTimeout = 5 * time.Second
	ocfg.PollMin = 10 * time.Millisecond
	ocfg.PollMax = 20 * time.Millisecond
	ocfg.SettleDelay = 5 * time.Millisecond
	ocfg.SkipWaitTimeout = 2 * time.Second
	ocfg.MaxConsecutiveInterruptions = 5

	gate := control.New()
	mem := decisionlog.NewMemory(256)

	sess := browsertest.New(startURL, "")
	sess.SetElement("#email", browsertest.Visible())
	sess.SetElement("#submit", browsertest.Visible())

	runner := action.NewRunner(acfg, nil, nil, logger)
	return &harness{
		t:    t,
		spec: spec,
		sess: sess,
		gate: gate,
		mem:  mem,
		cfg:  ocfg,
		exec: executor.New(det, runner, gate, mem, logger),
		det:  det,
	}
}

func (h *harness) orchestrator(opts ...Option) *Orchestrator {
	h.t.Helper()
	base := []Option{
		WithRecorder(h.mem),
		WithRunID("run-1"),
		WithControl(h.gate),
		WithResolver(action.MapResolver{"email": "ada@example.test"}),
		WithRand(rand.New(rand.NewSource(1))),
	}
	o, err := New(h.spec, h.det, h.exec, h.cfg, zaptest.NewLogger(h.t), append(base, opts...)...)
	require.NoError(h.t, err)
	return o
}

func (h *harness) entries(phase decisionlog.Phase) []decisionlog.Entry {
	var out []decisionlog.Entry
	for _, e := range h.mem.Recent(0) {
		if e.Phase == phase {
			out = append(out, e)
		}
	}
	return out
}

// -- Test Cases --

func TestRunFollowsTransition(t *testing.T) {
	h := newHarness(t, "https://x.test/step1")
	timer := time.AfterFunc(time.Second, func() { h.sess.SetURL("https://x.test/step2") })
	defer timer.Stop()

	start := time.Now()
	report, err := h.orchestrator().Run(context.Background(), h.sess)
	require.NoError(t, err)

	assert.True(t, report.Completed)
	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, []string{"A", "B"}, report.Visited)
	assert.Equal(t, 2, report.Steps)
	assert.Nil(t, report.Failure)
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "the run must wait for the transition")

	assert.Equal(t, "ada@example.test", h.sess.Element("#email").Value)
	assert.Equal(t, 1, h.sess.Count("click", "#submit"))

	transitions := h.entries(decisionlog.PhaseTransition)
	require.Len(t, transitions, 1)
	assert.Equal(t, "B", transitions[0].PageID)
	assert.Equal(t, "arrived", transitions[0].Result)

	completes := h.entries(decisionlog.PhaseComplete)
	require.Len(t, completes, 1)
	assert.Equal(t, "run-1", completes[0].RunID)
	assert.False(t, completes[0].At.IsZero())
}

func TestRunRecoversFromInjectedNavigation(t *testing.T) {
	h := newHarness(t, "https://x.test/step1")
	h.sess.OnOp(func(op browsertest.Op) {
		if op.Name == "send_keys" && op.Selector == "#email" {
			h.sess.SetURL("https://x.test/step2")
		}
	})

	report, err := h.orchestrator().Run(context.Background(), h.sess)
	require.NoError(t, err)

	assert.True(t, report.Completed)
	assert.Equal(t, []string{"A", "B"}, report.Visited)
	assert.Zero(t, h.sess.Count("click", "#submit"), "the click must not run on the wrong page")

	recoveries := h.entries(decisionlog.PhaseRecovery)
	require.Len(t, recoveries, 1)
	assert.Equal(t, "jump", recoveries[0].Strategy)
	assert.Equal(t, "B", recoveries[0].PageID)
	assert.Equal(t, "A", recoveries[0].ExpectedPageID)
	assert.Equal(t, 0, recoveries[0].ActionIndex)

	resyncs := h.entries(decisionlog.PhaseResync)
	require.NotEmpty(t, resyncs)
	assert.Equal(t, "forward", resyncs[0].Strategy)
}

func TestRunResyncsToLaterPage(t *testing.T) {
	h := newHarness(t, "https://x.test/step2")

	report, err := h.orchestrator().Run(context.Background(), h.sess)
	require.NoError(t, err)
	assert.True(t, report.Completed)
	assert.Equal(t, []string{"B"}, report.Visited)
	assert.Zero(t, h.sess.Count("send_keys", ""))

	resyncs := h.entries(decisionlog.PhaseResync)
	require.Len(t, resyncs, 1)
	assert.Equal(t, "B", resyncs[0].PageID)
	assert.Equal(t, "A", resyncs[0].ExpectedPageID)
}

func TestRunNavigatesToStartURL(t *testing.T) {
	h := newHarness(t, "about:blank")
	h.sess.OnOp(func(op browsertest.Op) {
		if op.Name == "click" {
			h.sess.SetURL("https://x.test/step2")
		}
	})

	report, err := h.orchestrator(WithStartURL("https://x.test/step1")).Run(context.Background(), h.sess)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, report.Visited)
	assert.Equal(t, 1, h.sess.Count("navigate", ""))
}

func TestRunFailsOnUnidentifiablePage(t *testing.T) {
	h := newHarness(t, "https://x.test/nowhere")

	report, err := h.orchestrator().Run(context.Background(), h.sess)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunFailed)

	var runErr *RunError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, "A", runErr.PageID)
	assert.Equal(t, -1, runErr.ActionIndex)
	assert.Contains(t, runErr.Reason, "could not be identified")

	assert.False(t, report.Completed)
	assert.Empty(t, report.Visited)
	assert.Same(t, runErr, report.Failure)
	assert.Len(t, h.entries(decisionlog.PhaseFallback), 3)
	assert.Len(t, h.entries(decisionlog.PhaseFail), 1)
}

func TestRunFailsOnFailedAction(t *testing.T) {
	h := newHarness(t, "https://x.test/step1")
	h.sess.FailNext("click", "#submit", errors.New("renderer crashed"))

	report, err := h.orchestrator().Run(context.Background(), h.sess)
	require.Error(t, err)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, "A", runErr.PageID)
	assert.Equal(t, 1, runErr.ActionIndex)
	assert.Contains(t, runErr.Fault, "renderer crashed")
	assert.Contains(t, err.Error(), "run failed at page A action 1")
	assert.Equal(t, []string{"A"}, report.Visited)
}

func TestTransitionTimeout(t *testing.T) {
	t.Run("FailsWhenConfigured", func(t *testing.T) {
		h := newHarness(t, "https://x.test/step1")
		h.cfg.TransitionTimeout = 50 * time.Millisecond
		h.cfg.FailOnTransitionTimeout = true

		_, err := h.orchestrator().Run(context.Background(), h.sess)
		var runErr *RunError
		require.ErrorAs(t, err, &runErr)
		assert.Equal(t, "A", runErr.PageID)
		assert.Contains(t, runErr.Reason, "timed out waiting for transition")
	})

	t.Run("ContinuesUntilStalled", func(t *testing.T) {
		h := newHarness(t, "https://x.test/step1")
		h.cfg.TransitionTimeout = 30 * time.Millisecond
		h.cfg.MaxConsecutiveInterruptions = 2

		report, err := h.orchestrator().Run(context.Background(), h.sess)
		var runErr *RunError
		require.ErrorAs(t, err, &runErr)
		assert.Contains(t, runErr.Reason, "without progress")
		assert.Equal(t, []string{"A", "A", "A", "A"}, report.Visited)

		timeouts := 0
		for _, e := range h.entries(decisionlog.PhaseTransition) {
			if e.Result == "timeout" {
				timeouts++
			}
		}
		assert.Equal(t, 3, timeouts)
	})
}

func TestTransitionTimeoutExcludesPausedTime(t *testing.T) {
	h := newHarness(t, "https://x.test/step1")
	h.cfg.TransitionTimeout = 100 * time.Millisecond
	h.cfg.FailOnTransitionTimeout = true

	var (
		mu     sync.Mutex
		timers []*time.Timer
	)
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		for _, tm := range timers {
			tm.Stop()
		}
	}()

	// The operator pauses shortly after the click and resumes well past the
	// transition timeout, once the next page has loaded.
	submit := browsertest.Visible()
	submit.OnClick = func(s *browsertest.Session) {
		mu.Lock()
		defer mu.Unlock()
		timers = append(timers,
			time.AfterFunc(30*time.Millisecond, h.gate.Pause),
			time.AfterFunc(330*time.Millisecond, func() {
				s.SetURL("https://x.test/step2")
				h.gate.Resume()
			}),
		)
	}
	h.sess.SetElement("#submit", submit)

	report, err := h.orchestrator().Run(context.Background(), h.sess)
	require.NoError(t, err)
	assert.True(t, report.Completed)
	assert.Equal(t, []string{"A", "B"}, report.Visited)
	for _, e := range h.entries(decisionlog.PhaseTransition) {
		assert.NotEqual(t, "timeout", e.Result)
	}
}

func TestSkipWaitsForPageChange(t *testing.T) {
	h := newHarness(t, "https://x.test/step1")
	h.gate.RequestSkip()
	timer := time.AfterFunc(100*time.Millisecond, func() { h.sess.SetURL("https://x.test/step2") })
	defer timer.Stop()

	report, err := h.orchestrator().Run(context.Background(), h.sess)
	require.NoError(t, err)
	assert.True(t, report.Completed)
	assert.Equal(t, []string{"A", "B"}, report.Visited)
	assert.Zero(t, h.sess.Count("send_keys", ""), "a skipped page runs no actions")

	skips := h.entries(decisionlog.PhaseSkip)
	require.Len(t, skips, 1)
	assert.Equal(t, "changed", skips[0].Result)
}

func TestInterruptionsAreBounded(t *testing.T) {
	// Typing on either page sends the browser to the other one, so neither
	// page ever finishes.
	h := newHarnessFor(t, `
pages:
  - id: A
    primary_identifier: {type: url, pattern: "/step1$"}
    actions:
      - {type: input, selector: "#email", value: "a", typing: instant}
  - id: B
    primary_identifier: {type: url, pattern: "/step2$"}
    actions:
      - {type: input, selector: "#email", value: "b", typing: instant}
`, "https://x.test/step1")
	h.cfg.MaxConsecutiveInterruptions = 3
	h.sess.OnOp(func(op browsertest.Op) {
		if op.Name != "send_keys" {
			return
		}
		url, _ := h.sess.URL(context.Background())
		if url == "https://x.test/step1" {
			h.sess.SetURL("https://x.test/step2")
		} else {
			h.sess.SetURL("https://x.test/step1")
		}
	})

	report, err := h.orchestrator().Run(context.Background(), h.sess)
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Contains(t, runErr.Reason, "consecutive interruptions")
	assert.Equal(t, 0, runErr.ActionIndex)
	assert.Equal(t, []string{"A", "B", "A", "B"}, report.Visited)

	for _, e := range h.entries(decisionlog.PhaseRecovery) {
		assert.Equal(t, "jump", e.Strategy)
	}
	assert.Len(t, h.entries(decisionlog.PhaseRecovery), 3)
}

func TestRunHonorsCancellation(t *testing.T) {
	h := newHarnessFor(t, `
pages:
  - id: B
    primary_identifier: {type: url, pattern: "/step2$"}
    actions:
      - {type: delay, duration: 30}
`, "https://x.test/step2")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	report, err := h.orchestrator().Run(ctx, h.sess)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrRunFailed)
	assert.False(t, report.Completed)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNewRejectsNilDependencies(t *testing.T) {
	h := newHarness(t, "https://x.test/step1")
	_, err := New(nil, h.det, h.exec, h.cfg, zaptest.NewLogger(t))
	assert.Error(t, err)

	bad := h.cfg
	bad.MaxFallbackRetries = 0
	_, err = New(h.spec, h.det, h.exec, bad, zaptest.NewLogger(t))
	assert.Error(t, err)

	o, err := New(h.spec, h.det, h.exec, h.cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.NotEmpty(t, o.RunID())
}

func TestWorkflowState(t *testing.T) {
	s := NewWorkflowState([]string{"a", "b", "c"})
	assert.Equal(t, "a", s.Current())

	s.Advance()
	assert.Equal(t, "b", s.Current())

	assert.True(t, s.Resync("c"))
	assert.Equal(t, 2, s.Index())
	assert.False(t, s.Resync("zzz"))
	assert.Equal(t, "c", s.Current())

	assert.True(t, s.Resync("a"))
	s.Advance()
	s.Advance()
	s.Advance()
	assert.True(t, s.Done())
	assert.Equal(t, "", s.Current())
	s.Advance()
	assert.Equal(t, 3, s.Index())

	pos, ok := s.Position("b")
	assert.True(t, ok)
	assert.Equal(t, 1, pos)
}

func TestRunErrorFormatting(t *testing.T) {
	e := &RunError{PageID: "A", ActionIndex: -1, Reason: "boom"}
	assert.Equal(t, "run failed at page A: boom", e.Error())
	assert.True(t, errors.Is(e, ErrRunFailed))

	e = &RunError{PageID: "B", ActionIndex: 2, Fault: "fail (): x", Reason: "page actions ended failed"}
	assert.Equal(t, "run failed at page B action 2: page actions ended failed (last fault: fail (): x)", e.Error())
}
