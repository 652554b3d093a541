// internal/executor/executor_test.go
package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/pageflow/internal/action"
	"github.com/xkilldash9x/pageflow/internal/browser/browsertest"
	"github.com/xkilldash9x/pageflow/internal/config"
	"github.com/xkilldash9x/pageflow/internal/control"
	"github.com/xkilldash9x/pageflow/internal/decisionlog"
	"github.com/xkilldash9x/pageflow/internal/detector"
	"github.com/xkilldash9x/pageflow/internal/workflow"
)

const flowYAML = `
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
      - {type: delay, duration: 10}
`

type harness struct {
	exec *Executor
	sess *browsertest.Session
	spec *workflow.Spec
	gate *control.Surface
	log  *decisionlog.Memory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	spec, err := workflow.Parse([]byte(flowYAML))
	require.NoError(t, err)

	cfg := config.NewDefaultConfig()
	det, err := detector.New(spec, cfg.Engine().Detector, logger)
	require.NoError(t, err)

	acfg := cfg.Engine().Action
	acfg.DelaySlice = 5 * time.Millisecond
	acfg.ElementTimeout = 20 * time.Millisecond
	acfg.RetryBackoff = time.Millisecond
	acfg.NotFoundBackoff = time.Millisecond

	gate := control.New()
	mem := decisionlog.NewMemory(32)
	runner := action.NewRunner(acfg, nil, nil, logger)

	sess := browsertest.New("https://x.test/step1", "Step 1")
	sess.SetElement("#email", browsertest.Visible())
	sess.SetElement("#submit", browsertest.Visible())

	return &harness{
		exec: New(det, runner, gate, mem, logger),
		sess: sess,
		spec: spec,
		gate: gate,
		log:  mem,
	}
}

func (h *harness) page(t *testing.T, id string) workflow.PageSpec {
	p, ok := h.spec.Page(id)
	require.True(t, ok)
	return p
}

func (h *harness) run(t *testing.T, id string) Outcome {
	return h.exec.RunPage(context.Background(), h.page(t, id), Context{
		Session:  h.sess,
		Resolver: action.MapResolver{"email": "ada@example.test"},
		Vars:     action.NewVariables(),
		Step:     1,
	})
}

func TestRunPageSuccess(t *testing.T) {
	h := newHarness(t)
	out := h.run(t, "A")

	assert.Equal(t, action.Success, out.Result)
	assert.Equal(t, CauseNone, out.Cause)
	assert.Equal(t, "ada@example.test", h.sess.Element("#email").Value)
	assert.Equal(t, 1, h.sess.Count("click", "#submit"))

	var executed []int
	for _, e := range h.log.Recent(0) {
		if e.Phase == decisionlog.PhaseExecute {
			executed = append(executed, e.ActionIndex)
			assert.Equal(t, "success", e.Result)
		}
	}
	assert.Equal(t, []int{0, 1}, executed)
}

func TestDriftBetweenActionsInterrupts(t *testing.T) {
	h := newHarness(t)
	h.sess.OnOp(func(op browsertest.Op) {
		if op.Name == "send_keys" {
			h.sess.SetURL("https://x.test/step2")
		}
	})

	out := h.run(t, "A")
	assert.Equal(t, action.Interrupted, out.Result)
	assert.Equal(t, CauseDrift, out.Cause)
	assert.Equal(t, 0, out.ActionIndex)
	assert.Equal(t, "B", out.Detected.PageID)
	assert.Zero(t, h.sess.Count("click", "#submit"), "the second action must not run")
}

func TestDriftBeforeFirstAction(t *testing.T) {
	h := newHarness(t)
	h.sess.SetURL("https://x.test/step2")

	out := h.run(t, "A")
	assert.Equal(t, action.Interrupted, out.Result)
	assert.Equal(t, CauseDrift, out.Cause)
	assert.Zero(t, h.sess.Count("send_keys", ""))
}

func TestUnknownPageIsNotDrift(t *testing.T) {
	h := newHarness(t)
	h.sess.OnOp(func(op browsertest.Op) {
		if op.Name == "send_keys" {
			h.sess.SetURL("https://x.test/interstitial")
		}
	})
	out := h.run(t, "A")
	assert.Equal(t, action.Success, out.Result)
}

func TestTransitionDuringLastActionSucceeds(t *testing.T) {
	h := newHarness(t)
	submit := browsertest.Visible()
	submit.OnClick = func(s *browsertest.Session) { s.SetURL("https://x.test/step2") }
	h.sess.SetElement("#submit", submit)

	out := h.run(t, "A")
	assert.Equal(t, action.Success, out.Result)
	assert.Equal(t, "B", out.Detected.PageID)
}

func TestDelaySlicesAreCheckpoints(t *testing.T) {
	h := newHarness(t)
	h.sess.SetURL("https://x.test/step2")
	go func() {
		time.Sleep(30 * time.Millisecond)
		h.sess.SetURL("https://x.test/step1")
	}()

	start := time.Now()
	out := h.run(t, "B")
	assert.Equal(t, action.Interrupted, out.Result)
	assert.Equal(t, CauseDrift, out.Cause)
	assert.Equal(t, "A", out.Detected.PageID)
	assert.Less(t, time.Since(start), 5*time.Second, "a 10s delay must not run to completion")
}

func TestSkipInterrupts(t *testing.T) {
	h := newHarness(t)
	h.sess.OnOp(func(op browsertest.Op) {
		if op.Name == "send_keys" {
			h.gate.RequestSkip()
		}
	})
	out := h.run(t, "A")
	assert.Equal(t, action.Interrupted, out.Result)
	assert.Equal(t, CauseSkip, out.Cause)
	assert.False(t, h.gate.SkipPending(), "the skip is consumed")
	assert.Zero(t, h.sess.Count("click", "#submit"))
}

func TestPauseBlocksAtCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.gate.Pause()

	done := make(chan Outcome, 1)
	go func() { done <- h.run(t, "A") }()

	select {
	case <-done:
		t.Fatal("page ran while paused")
	case <-time.After(30 * time.Millisecond):
	}
	assert.Zero(t, h.sess.Count("send_keys", ""))

	h.gate.Resume()
	select {
	case out := <-done:
		assert.Equal(t, action.Success, out.Result)
	case <-time.After(2 * time.Second):
		t.Fatal("page did not resume")
	}
}

func TestFailedActionReportsFault(t *testing.T) {
	h := newHarness(t)
	h.sess.RemoveElement("#submit")
	h.sess.FailNext("send_keys", "#email", assertErr("keyboard detached"))

	out := h.run(t, "A")
	assert.Equal(t, action.Failed, out.Result)
	assert.Equal(t, CauseAction, out.Cause)
	assert.Equal(t, 0, out.ActionIndex)
	assert.Contains(t, out.Fault, "fail")
	assert.Contains(t, out.Fault, "keyboard detached")
}

func TestCanceledContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := h.exec.RunPage(ctx, h.page(t, "A"), Context{Session: h.sess})
	assert.Equal(t, action.Interrupted, out.Result)
	assert.Equal(t, CauseCanceled, out.Cause)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
