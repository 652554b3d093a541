// File: internal/orchestrator/orchestrator.go
// Description: Drives one workflow run. Each loop identifies the live page,
// resyncs the workflow state to it, hands the page to the executor and waits
// for the transition to a declared successor. Divergence is recovered from
// rather than failed on; only exhausted bounds and failed actions end a run.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/pageflow/internal/action"
	"github.com/xkilldash9x/pageflow/internal/browser"
	"github.com/xkilldash9x/pageflow/internal/config"
	"github.com/xkilldash9x/pageflow/internal/decisionlog"
	"github.com/xkilldash9x/pageflow/internal/detector"
	"github.com/xkilldash9x/pageflow/internal/executor"
	"github.com/xkilldash9x/pageflow/internal/humanoid"
	"github.com/xkilldash9x/pageflow/internal/workflow"
)

// ErrRunFailed matches every *RunError.
var ErrRunFailed = errors.New("workflow run failed")

// RunError pins a failed run to the page and action it stopped at.
type RunError struct {
	PageID string `json:"page_id"`
	// ActionIndex is -1 when the failure happened outside the page's actions.
	ActionIndex int    `json:"action_index"`
	Fault       string `json:"fault,omitempty"`
	Reason      string `json:"reason"`
}

func (e *RunError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run failed at page %s", e.PageID)
	if e.ActionIndex >= 0 {
		fmt.Fprintf(&b, " action %d", e.ActionIndex)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if e.Fault != "" {
		fmt.Fprintf(&b, " (last fault: %s)", e.Fault)
	}
	return b.String()
}

func (e *RunError) Is(target error) bool { return target == ErrRunFailed }

// Report summarizes a run, whether it completed or not.
type Report struct {
	RunID     string    `json:"run_id"`
	Completed bool      `json:"completed"`
	Steps     int       `json:"steps"`
	Visited   []string  `json:"visited"`
	Failure   *RunError `json:"failure,omitempty"`
}

// Detector is the page identification the orchestrator relies on.
type Detector interface {
	Identify(url, title string) detector.Candidate
	IdentifyWithFallback(url, title, expectedPageID string) detector.Candidate
}

// PageRunner executes the actions of one page.
type PageRunner interface {
	RunPage(ctx context.Context, page workflow.PageSpec, ec executor.Context) executor.Outcome
}

// Gate blocks the main loop while the operator has paused the run.
type Gate interface {
	Wait(ctx context.Context) error
	Paused() bool
}

// Orchestrator owns the workflow state of a run. A single Orchestrator runs
// one workflow at a time on one browser session.
type Orchestrator struct {
	spec     *workflow.Spec
	det      Detector
	exec     PageRunner
	cfg      config.OrchestratorConfig
	logger   *zap.Logger
	recorder decisionlog.Recorder

	runID    string
	gate     Gate
	startURL string
	resolver action.Resolver
	vars     *action.Variables
	rng      *rand.Rand
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithRecorder(r decisionlog.Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(o *Orchestrator) { o.runID = id }
}

// WithControl makes the transition and skip waits honor the operator's
// pause gate.
func WithControl(g Gate) Option {
	return func(o *Orchestrator) { o.gate = g }
}

// WithStartURL navigates there before the loop, overriding the workflow's
// own start_url.
func WithStartURL(url string) Option {
	return func(o *Orchestrator) {
		if url != "" {
			o.startURL = url
		}
	}
}

func WithResolver(r action.Resolver) Option {
	return func(o *Orchestrator) { o.resolver = r }
}

func WithVariables(v *action.Variables) Option {
	return func(o *Orchestrator) { o.vars = v }
}

// WithRand seeds the randomized waits.
func WithRand(r *rand.Rand) Option {
	return func(o *Orchestrator) { o.rng = r }
}

// New creates an Orchestrator for spec.
func New(
	spec *workflow.Spec,
	det Detector,
	exec PageRunner,
	cfg config.OrchestratorConfig,
	logger *zap.Logger,
	opts ...Option,
) (*Orchestrator, error) {
	if spec == nil || det == nil || exec == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	if len(spec.Pages) == 0 {
		return nil, fmt.Errorf("workflow declares no pages")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator configuration: %w", err)
	}

	o := &Orchestrator{
		spec:     spec,
		det:      det,
		exec:     exec,
		cfg:      cfg,
		recorder: decisionlog.Nop,
		runID:    uuid.NewString(),
		startURL: spec.StartURL,
		vars:     action.NewVariables(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.recorder == nil {
		o.recorder = decisionlog.Nop
	}
	o.recorder = decisionlog.Stamp(o.recorder, o.runID)
	o.logger = logger.Named("orchestrator").With(zap.String("run_id", o.runID))
	return o, nil
}

func (o *Orchestrator) RunID() string { return o.runID }

// run is the mutable state of one Run call.
type run struct {
	o      *Orchestrator
	sess   browser.Session
	state  *WorkflowState
	report *Report
	step   int

	fallbackMisses int
	// stalls counts loop iterations without progress: interruptions, and
	// repeated completions of the same page.
	stalls   int
	lastDone string
}

// Run drives sess through the workflow until it completes, fails, or ctx is
// canceled. The report is returned in every case. A failure is a *RunError;
// cancellation is returned as ctx.Err().
func (o *Orchestrator) Run(ctx context.Context, sess browser.Session) (*Report, error) {
	r := &run{
		o:      o,
		sess:   sess,
		state:  NewWorkflowState(o.spec.Sequence()),
		report: &Report{RunID: o.runID},
	}
	o.logger.Info("Starting workflow run.",
		zap.String("workflow", o.spec.Name),
		zap.Strings("sequence", o.spec.Sequence()))

	if o.startURL != "" {
		o.logger.Info("Navigating to start url.", zap.String("url", o.startURL))
		if err := sess.Navigate(ctx, o.startURL); err != nil {
			if ctx.Err() != nil {
				return r.report, ctx.Err()
			}
			return r.report, r.fail(ctx, &RunError{
				PageID:      r.state.Current(),
				ActionIndex: -1,
				Reason:      fmt.Sprintf("navigating to start url: %v", err),
			})
		}
	}

	for !r.state.Done() {
		if err := r.iterate(ctx); err != nil {
			if ctx.Err() != nil && !errors.Is(err, ErrRunFailed) {
				o.logger.Info("Workflow run canceled.", zap.Int("steps", r.step))
			}
			return r.report, err
		}
	}

	r.report.Completed = true
	e := r.entry(decisionlog.PhaseComplete)
	e.Result = "completed"
	e.Detail = fmt.Sprintf("visited %s", strings.Join(r.report.Visited, " -> "))
	r.record(ctx, e)
	o.logger.Info("Workflow run completed.", zap.Int("steps", r.step), zap.Strings("visited", r.report.Visited))
	return r.report, nil
}

// iterate performs one identify, resync, execute cycle.
func (r *run) iterate(ctx context.Context) error {
	o := r.o
	if err := r.wait(ctx); err != nil {
		return err
	}
	expected := r.state.Current()

	c, err := r.identify(ctx, expected)
	if err != nil {
		return err
	}
	if !c.Known() {
		r.fallbackMisses++
		if r.fallbackMisses >= o.cfg.MaxFallbackRetries {
			return r.fail(ctx, &RunError{
				PageID:      expected,
				ActionIndex: -1,
				Reason:      fmt.Sprintf("page could not be identified after %d attempts", r.fallbackMisses),
			})
		}
		d := humanoid.Between(o.rng, o.cfg.RetryWaitMin, o.cfg.RetryWaitMax)
		o.logger.Warn("Page not identified, waiting before retry.",
			zap.String("expected", expected),
			zap.Int("attempt", r.fallbackMisses),
			zap.Duration("wait", d))
		return humanoid.Sleep(ctx, d)
	}
	r.fallbackMisses = 0

	if c.PageID != expected {
		r.resync(ctx, expected, c, "identified page differs from expected")
	}

	page, ok := o.spec.Page(c.PageID)
	if !ok {
		return r.fail(ctx, &RunError{PageID: c.PageID, ActionIndex: -1, Reason: "identified page has no specification"})
	}

	r.step++
	r.report.Steps = r.step
	r.report.Visited = append(r.report.Visited, page.ID)
	out := o.exec.RunPage(ctx, page, executor.Context{
		Session:  r.sess,
		Resolver: o.resolver,
		Vars:     o.vars,
		Step:     r.step,
	})

	switch out.Result {
	case action.Success:
		return r.completed(ctx, page, out)
	case action.Interrupted:
		return r.interrupted(ctx, page, out)
	default:
		return r.fail(ctx, &RunError{
			PageID:      page.ID,
			ActionIndex: out.ActionIndex,
			Fault:       out.Fault,
			Reason:      fmt.Sprintf("page actions ended %s", out.Result),
		})
	}
}

// identify runs the quick pass and escalates to the fallback pass when it
// finds nothing.
func (r *run) identify(ctx context.Context, expected string) (detector.Candidate, error) {
	url, title, err := r.read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return detector.Candidate{}, ctx.Err()
		}
		r.o.logger.Warn("Could not read the page.", zap.Error(err))
		return detector.Unknown(detector.MethodNone), nil
	}

	c := r.o.det.Identify(url, title)
	r.recordCandidate(ctx, decisionlog.PhaseIdentify, expected, c, url)
	if c.Known() {
		return c, nil
	}

	c = r.o.det.IdentifyWithFallback(url, title, expected)
	r.recordCandidate(ctx, decisionlog.PhaseFallback, expected, c, url)
	return c, nil
}

// resync points the workflow state at c. It reports false when c is not part
// of the sequence.
func (r *run) resync(ctx context.Context, expected string, c detector.Candidate, reason string) bool {
	from := r.state.Index()
	if !r.state.Resync(c.PageID) {
		r.o.logger.Warn("Detected page is outside the sequence.", zap.String("page_id", c.PageID))
		return false
	}
	to := r.state.Index()
	direction := "forward"
	if to < from {
		direction = "backward"
	} else if to == from {
		direction = "in_place"
	}

	e := r.entry(decisionlog.PhaseResync)
	e.PageID = c.PageID
	e.ExpectedPageID = expected
	e.Confidence = c.Confidence
	e.Method = string(c.Method)
	e.Strategy = direction
	e.Detail = reason
	r.record(ctx, e)
	r.o.logger.Info("Workflow state resynced.",
		zap.String("expected", expected),
		zap.String("detected", c.PageID),
		zap.String("direction", direction))
	return true
}

func (r *run) completed(ctx context.Context, page workflow.PageSpec, out executor.Outcome) error {
	o := r.o
	if r.lastDone == page.ID {
		if err := r.stall(ctx, page, -1, "", "page completed repeatedly without progress"); err != nil {
			return err
		}
	} else {
		r.stalls = 0
	}
	r.lastDone = page.ID

	if len(page.NextPages) > 0 {
		e := r.entry(decisionlog.PhaseTransition)
		e.ExpectedPageID = strings.Join(page.NextPages, ",")

		if contains(page.NextPages, out.Detected.PageID) {
			e.PageID = out.Detected.PageID
			e.Confidence = out.Detected.Confidence
			e.Result = "arrived"
			e.Detail = "transitioned during the last action"
		} else {
			c, ok, err := r.waitForTransition(ctx, page)
			if err != nil {
				return err
			}
			if !ok {
				if o.cfg.FailOnTransitionTimeout {
					return r.fail(ctx, &RunError{
						PageID:      page.ID,
						ActionIndex: -1,
						Reason:      fmt.Sprintf("timed out waiting for transition to %v", page.NextPages),
					})
				}
				o.logger.Warn("Page transition timed out, continuing.",
					zap.String("page_id", page.ID),
					zap.Strings("next_pages", page.NextPages),
					zap.Duration("timeout", o.cfg.TransitionTimeout))
				e.Result = "timeout"
			} else {
				e.PageID = c.PageID
				e.Confidence = c.Confidence
				e.Method = string(c.Method)
				e.Result = "arrived"
			}
		}
		r.record(ctx, e)
	}

	r.state.Advance()
	return nil
}

// waitForTransition polls until the live page is one of page's successors.
func (r *run) waitForTransition(ctx context.Context, page workflow.PageSpec) (detector.Candidate, bool, error) {
	var arrived detector.Candidate
	ok, err := r.poll(ctx, r.o.cfg.TransitionTimeout, func(ctx context.Context) bool {
		url, title, err := r.read(ctx)
		if err != nil {
			r.o.logger.Debug("Transition poll could not read the page.", zap.Error(err))
			return false
		}
		c := r.o.det.Identify(url, title)
		if contains(page.NextPages, c.PageID) {
			arrived = c
			return true
		}
		if !c.Known() {
			for _, id := range page.NextPages {
				if f := r.o.det.IdentifyWithFallback(url, title, id); f.PageID == id {
					arrived = f
					return true
				}
			}
		}
		return false
	})
	return arrived, ok, err
}

func (r *run) interrupted(ctx context.Context, page workflow.PageSpec, out executor.Outcome) error {
	if out.Cause == executor.CauseCanceled && ctx.Err() != nil {
		return ctx.Err()
	}
	r.lastDone = ""
	if err := r.stall(ctx, page, out.ActionIndex, out.Fault, "too many consecutive interruptions"); err != nil {
		return err
	}
	if out.Cause == executor.CauseSkip {
		return r.skip(ctx, page)
	}
	return r.recover(ctx, page, out)
}

// recover lets the page settle, re-identifies it and decides whether the
// interruption was noise, a jump within the sequence, or something the
// workflow does not know. None of these end the run.
func (r *run) recover(ctx context.Context, page workflow.PageSpec, out executor.Outcome) error {
	o := r.o
	if err := humanoid.Sleep(ctx, o.cfg.SettleDelay); err != nil {
		return err
	}

	expected := r.state.Current()
	c := detector.Unknown(detector.MethodFallback)
	url, title, err := r.read(ctx)
	switch {
	case err != nil && ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		o.logger.Warn("Could not read the page during recovery.", zap.Error(err))
	default:
		c = o.det.IdentifyWithFallback(url, title, expected)
	}

	var strategy string
	switch {
	case !c.Known():
		strategy = "unrecognized"
	case c.PageID == expected:
		strategy = "noise"
	case r.resync(ctx, expected, c, "recovered from interruption"):
		strategy = "jump"
	default:
		strategy = "unrecognized"
	}

	e := r.entry(decisionlog.PhaseRecovery)
	e.PageID = c.PageID
	e.ExpectedPageID = expected
	e.Confidence = c.Confidence
	e.Method = string(c.Method)
	e.Strategy = strategy
	e.ActionIndex = out.ActionIndex
	e.Detail = fmt.Sprintf("page %s interrupted by %s", page.ID, out.Cause)
	r.record(ctx, e)
	o.logger.Info("Recovered from interruption.",
		zap.String("page_id", page.ID),
		zap.String("cause", string(out.Cause)),
		zap.String("detected", c.PageID),
		zap.String("strategy", strategy))
	return nil
}

// skip waits for the operator to move the browser off the current page.
func (r *run) skip(ctx context.Context, page workflow.PageSpec) error {
	o := r.o
	url, title, err := r.read(ctx)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	o.logger.Info("Operator skipped page, waiting for the page to change.",
		zap.String("page_id", page.ID),
		zap.Duration("timeout", o.cfg.SkipWaitTimeout))
	changed, err := r.poll(ctx, o.cfg.SkipWaitTimeout, func(ctx context.Context) bool {
		u, t, err := r.read(ctx)
		return err == nil && (u != url || t != title)
	})
	if err != nil {
		return err
	}

	e := r.entry(decisionlog.PhaseSkip)
	e.PageID = page.ID
	e.Result = "changed"
	if !changed {
		e.Result = "timeout"
		o.logger.Warn("Page did not change after skip, continuing in place.", zap.String("page_id", page.ID))
	}
	r.record(ctx, e)
	return nil
}

// stall counts an iteration without progress and fails the run once the
// bound is exceeded.
func (r *run) stall(ctx context.Context, page workflow.PageSpec, actionIndex int, fault, reason string) error {
	r.stalls++
	if r.stalls <= r.o.cfg.MaxConsecutiveInterruptions {
		return nil
	}
	return r.fail(ctx, &RunError{
		PageID:      page.ID,
		ActionIndex: actionIndex,
		Fault:       fault,
		Reason:      fmt.Sprintf("%s (%d)", reason, r.stalls),
	})
}

func (r *run) fail(ctx context.Context, runErr *RunError) error {
	r.report.Failure = runErr
	e := r.entry(decisionlog.PhaseFail)
	e.PageID = runErr.PageID
	e.ExpectedPageID = r.state.Current()
	e.ActionIndex = runErr.ActionIndex
	e.Result = "failed"
	e.Detail = runErr.Error()
	r.record(ctx, e)
	r.o.logger.Error("Workflow run failed.",
		zap.String("page_id", runErr.PageID),
		zap.Int("action_index", runErr.ActionIndex),
		zap.String("fault", runErr.Fault),
		zap.String("reason", runErr.Reason))
	return runErr
}

// poll calls check until it returns true or timeout elapses. Only time spent
// with the gate open counts against timeout. Reads are paced by a limiter
// whose interval is redrawn from the poll range after every miss. It returns
// ctx.Err() only when the parent context ends.
func (r *run) poll(ctx context.Context, timeout time.Duration, check func(context.Context) bool) (bool, error) {
	remaining := timeout
	limiter := rate.NewLimiter(rate.Every(r.interval()), 1)
	for {
		if err := r.wait(ctx); err != nil {
			return false, err
		}

		start := time.Now()
		pctx, cancel := context.WithTimeout(ctx, remaining)
		err := limiter.Wait(pctx)
		ok := err == nil && check(pctx)
		cancel()
		if ok {
			return true, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		// A pause that began inside this round hands the bound back to the gate.
		if !r.paused() {
			if err != nil {
				return false, nil
			}
			if remaining -= time.Since(start); remaining <= 0 {
				return false, nil
			}
		}
		limiter.SetLimit(rate.Every(r.interval()))
	}
}

func (r *run) interval() time.Duration {
	d := humanoid.Between(r.o.rng, r.o.cfg.PollMin, r.o.cfg.PollMax)
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

func (r *run) paused() bool {
	return r.o.gate != nil && r.o.gate.Paused()
}

func (r *run) wait(ctx context.Context) error {
	if r.o.gate == nil {
		return ctx.Err()
	}
	return r.o.gate.Wait(ctx)
}

func (r *run) read(ctx context.Context) (string, string, error) {
	url, err := r.sess.URL(ctx)
	if err != nil {
		return "", "", err
	}
	title, err := r.sess.Title(ctx)
	if err != nil {
		return "", "", err
	}
	return url, title, nil
}

func (r *run) entry(phase decisionlog.Phase) decisionlog.Entry {
	return decisionlog.Entry{Step: r.step, Phase: phase, ActionIndex: -1}
}

func (r *run) recordCandidate(ctx context.Context, phase decisionlog.Phase, expected string, c detector.Candidate, url string) {
	e := r.entry(phase)
	e.PageID = c.PageID
	e.ExpectedPageID = expected
	e.Confidence = c.Confidence
	e.Method = string(c.Method)
	e.Detail = url
	r.record(ctx, e)
}

func (r *run) record(ctx context.Context, e decisionlog.Entry) {
	r.o.recorder.Record(ctx, e)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
