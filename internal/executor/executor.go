// internal/executor/executor.go
package executor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pageflow/internal/action"
	"github.com/xkilldash9x/pageflow/internal/browser"
	"github.com/xkilldash9x/pageflow/internal/decisionlog"
	"github.com/xkilldash9x/pageflow/internal/detector"
	"github.com/xkilldash9x/pageflow/internal/workflow"
)

// Cause explains why RunPage stopped early.
type Cause string

const (
	CauseNone     Cause = ""
	CauseDrift    Cause = "drift"
	CauseSkip     Cause = "skip"
	CauseAction   Cause = "action"
	CauseCanceled Cause = "canceled"
)

// Outcome is the result of running one page.
type Outcome struct {
	Result action.Result
	Cause  Cause
	// ActionIndex is the action that was about to run or had just run when
	// the page stopped.
	ActionIndex int
	// Detected is the page seen at the checkpoint that stopped the run.
	Detected detector.Candidate
	// Fault describes the last classified fault, if any.
	Fault string
}

// Identifier is the quick page classification the executor checks against.
type Identifier interface {
	Identify(url, title string) detector.Candidate
}

// Gate is the engine side of the operator control surface.
type Gate interface {
	Wait(ctx context.Context) error
	TakeSkip() bool
}

// Executor runs the actions of one page, re-identifying the page before and
// after every action. It holds no state between pages.
type Executor struct {
	ident    Identifier
	runner   *action.Runner
	gate     Gate
	recorder decisionlog.Recorder
	logger   *zap.Logger
}

// New creates an Executor. gate and recorder may be nil.
func New(ident Identifier, runner *action.Runner, gate Gate, recorder decisionlog.Recorder, logger *zap.Logger) *Executor {
	if recorder == nil {
		recorder = decisionlog.Nop
	}
	return &Executor{
		ident:    ident,
		runner:   runner,
		gate:     gate,
		recorder: recorder,
		logger:   logger.Named("executor"),
	}
}

// Context is what RunPage needs besides the page itself.
type Context struct {
	Session  browser.Session
	Resolver action.Resolver
	Vars     *action.Variables
	// Step stamps decision entries.
	Step int
}

// run carries the mutable state of one RunPage call.
type run struct {
	e      *Executor
	page   workflow.PageSpec
	sess   browser.Session
	cause  Cause
	seen   detector.Candidate
	fault  string
	step   int
	action int
}

// RunPage executes page's actions in order. Any divergence of the live page
// from page, an operator skip, or a non-success action stops it.
func (e *Executor) RunPage(ctx context.Context, page workflow.PageSpec, ec Context) Outcome {
	r := &run{e: e, page: page, sess: ec.Session, step: ec.Step}
	env := &action.Env{
		Session:    ec.Session,
		PageID:     page.ID,
		Resolver:   ec.Resolver,
		Vars:       ec.Vars,
		Checkpoint: r.checkpoint,
		Recorder:   decisionlog.RecorderFunc(r.recordFault),
	}
	logger := e.logger.With(zap.String("page_id", page.ID))
	logger.Debug("Running page.", zap.Int("actions", len(page.Actions)))

	for i, a := range page.Actions {
		r.action = i
		if !r.checkpoint(ctx) {
			return r.stop(action.Interrupted)
		}

		res := e.runner.Execute(ctx, a, env)
		e.recorder.Record(ctx, decisionlog.Entry{
			Step:        r.step,
			Phase:       decisionlog.PhaseExecute,
			PageID:      page.ID,
			Result:      res.String(),
			ActionIndex: i,
			Detail:      describe(a),
		})
		if res != action.Success {
			if r.cause == CauseNone {
				r.cause = CauseAction
				if ctx.Err() != nil {
					r.cause = CauseCanceled
				}
			}
			return r.stop(res)
		}

		if !r.checkpoint(ctx) {
			// Reaching a declared successor after the last action is the
			// transition the page exists to make.
			if i == len(page.Actions)-1 && r.cause == CauseDrift && contains(page.NextPages, r.seen.PageID) {
				logger.Debug("Page transitioned during its last action.", zap.String("detected", r.seen.PageID))
				return Outcome{Result: action.Success, ActionIndex: i, Detected: r.seen}
			}
			return r.stop(action.Interrupted)
		}
	}
	return Outcome{Result: action.Success, ActionIndex: len(page.Actions) - 1, Detected: r.seen}
}

func (r *run) stop(res action.Result) Outcome {
	return Outcome{Result: res, Cause: r.cause, ActionIndex: r.action, Detected: r.seen, Fault: r.fault}
}

// checkpoint honors the gate and skip flag, then re-identifies the page. It
// returns false when the page must stop.
func (r *run) checkpoint(ctx context.Context) bool {
	if g := r.e.gate; g != nil {
		if err := g.Wait(ctx); err != nil {
			r.cause = CauseCanceled
			return false
		}
		if g.TakeSkip() {
			r.cause = CauseSkip
			r.e.logger.Info("Operator skip honored.", zap.String("page_id", r.page.ID), zap.Int("action_index", r.action))
			return false
		}
	}
	if ctx.Err() != nil {
		r.cause = CauseCanceled
		return false
	}

	url, err := r.sess.URL(ctx)
	if err != nil {
		r.e.logger.Debug("Could not read url at checkpoint.", zap.Error(err))
		return true
	}
	title, err := r.sess.Title(ctx)
	if err != nil {
		r.e.logger.Debug("Could not read title at checkpoint.", zap.Error(err))
		return true
	}

	c := r.e.ident.Identify(url, title)
	r.seen = c
	// An unrecognized page is not divergence; transient interstitials and
	// half-rendered documents often match nothing.
	if c.Known() && c.PageID != r.page.ID {
		r.cause = CauseDrift
		r.e.logger.Info("Page drift detected.",
			zap.String("expected", r.page.ID),
			zap.String("detected", c.PageID),
			zap.Float64("confidence", c.Confidence),
			zap.Int("action_index", r.action))
		return false
	}
	return true
}

func (r *run) recordFault(ctx context.Context, e decisionlog.Entry) {
	e.Step = r.step
	e.ActionIndex = r.action
	r.fault = fmt.Sprintf("%s (%s): %s", e.Strategy, e.Method, e.Detail)
	r.e.recorder.Record(ctx, e)
}

func describe(a workflow.Action) string {
	if d := a.Meta().Description; d != "" {
		return fmt.Sprintf("%s: %s", a.Kind(), d)
	}
	return string(a.Kind())
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
