// internal/action/runner.go
package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pageflow/internal/config"
	"github.com/xkilldash9x/pageflow/internal/decisionlog"
	"github.com/xkilldash9x/pageflow/internal/faults"
	"github.com/xkilldash9x/pageflow/internal/humanoid"
	"github.com/xkilldash9x/pageflow/internal/workflow"
)

// stop is returned by an atomic implementation that ends with a result other
// than Success without raising a fault.
type stop struct {
	result Result
	reason string
}

func (s *stop) Error() string { return fmt.Sprintf("%s: %s", s.result, s.reason) }

func stopWith(r Result, format string, args ...interface{}) error {
	return &stop{result: r, reason: fmt.Sprintf(format, args...)}
}

// Runner interprets workflow actions against a browser session.
type Runner struct {
	cfg       config.ActionConfig
	human     *humanoid.Humanoid
	callbacks *Registry
	logger    *zap.Logger
	newChain  func() *faults.Chain
}

// Option configures a Runner.
type Option func(*Runner)

// WithChain replaces the fault chain factory. A fresh chain is built for
// every atomic action execution.
func WithChain(factory func() *faults.Chain) Option {
	return func(r *Runner) { r.newChain = factory }
}

// NewRunner creates a Runner. A nil humanoid disables human pacing and a nil
// registry leaves every callback unresolved.
func NewRunner(cfg config.ActionConfig, human *humanoid.Humanoid, callbacks *Registry, logger *zap.Logger, opts ...Option) *Runner {
	if human == nil {
		human = humanoid.Disabled()
	}
	if callbacks == nil {
		callbacks = NewRegistry()
	}
	r := &Runner{
		cfg:       cfg,
		human:     human,
		callbacks: callbacks,
		logger:    logger.Named("action"),
	}
	r.newChain = func() *faults.Chain { return faults.DefaultChain(cfg, logger) }
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs one action. Composite kinds recurse through Execute so every
// child goes through the same retry wrapper.
func (r *Runner) Execute(ctx context.Context, a workflow.Action, env *Env) Result {
	switch v := a.(type) {
	case workflow.Sequence:
		return r.runSequence(ctx, v.Actions, env.withScope(v.Variables))
	case workflow.Conditional:
		return r.runConditional(ctx, v, env)
	case workflow.Retry:
		return r.runRetry(ctx, v, env)
	case workflow.Callback:
		return r.runCallback(ctx, v, env)
	default:
		return r.executeAtomic(ctx, a, env)
	}
}

// executeAtomic is the retry wrapper shared by every atomic kind. Faults are
// classified by the chain: Retry loops after a short backoff, Adapt reports
// Interrupted and Fail reports Failed.
func (r *Runner) executeAtomic(ctx context.Context, a workflow.Action, env *Env) Result {
	maxAttempts := a.Meta().MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = r.cfg.DefaultMaxRetries
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	chain := r.newChain()
	logger := r.logger.With(zap.String("kind", string(a.Kind())), zap.String("page_id", env.PageID))

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return Interrupted
		}
		err := r.dispatch(ctx, a, env)
		if err == nil {
			if attempt > 1 {
				logger.Debug("Action succeeded after retry.", zap.Int("attempt", attempt))
			}
			return Success
		}

		var st *stop
		if errors.As(err, &st) {
			logger.Debug("Action stopped.", zap.String("result", st.result.String()), zap.String("reason", st.reason))
			return st.result
		}
		if ctx.Err() != nil {
			return Interrupted
		}

		fc := &faults.Context{
			Err:         err,
			ActionKind:  a.Kind(),
			Selector:    selectorOf(a),
			Attempt:     attempt,
			MaxAttempts: maxAttempts,
			Session:     env.Session,
		}
		strategy, handler := chain.Handle(ctx, fc)
		env.record(ctx, decisionlog.Entry{
			Phase:    decisionlog.PhaseFault,
			Strategy: strategy.String(),
			Method:   handler,
			Detail:   fmt.Sprintf("%s %s attempt %d/%d: %v", a.Kind(), fc.Selector, attempt, maxAttempts, err),
		})

		switch strategy {
		case faults.Retry:
			if attempt >= maxAttempts {
				logger.Warn("Retries exhausted.", zap.Int("attempts", attempt), zap.Error(err))
				return Failed
			}
			if humanoid.Sleep(ctx, r.cfg.RetryBackoff) != nil {
				return Interrupted
			}
		case faults.Adapt:
			logger.Info("Fault indicates the page changed, interrupting.", zap.String("handler", handler), zap.Error(err))
			return Interrupted
		default:
			logger.Warn("Action failed.", zap.String("handler", handler), zap.Error(err))
			return Failed
		}
	}
}

// pause waits d in slices, consulting the checkpoint between them.
func (r *Runner) pause(ctx context.Context, d time.Duration, env *Env) Result {
	slice := r.cfg.DelaySlice
	if slice <= 0 {
		slice = 500 * time.Millisecond
	}
	for remaining := d; remaining > 0; remaining -= slice {
		if !env.checkpoint(ctx) {
			return Interrupted
		}
		step := slice
		if remaining < step {
			step = remaining
		}
		if humanoid.Sleep(ctx, step) != nil {
			return Interrupted
		}
	}
	if !env.checkpoint(ctx) {
		return Interrupted
	}
	return Success
}

func selectorOf(a workflow.Action) string {
	switch v := a.(type) {
	case workflow.Input:
		return v.Selector
	case workflow.Click:
		return v.Selector
	case workflow.Select:
		return v.Selector
	case workflow.Check:
		return v.Selector
	case workflow.WaitForElement:
		return v.Selector
	case workflow.Scroll:
		return v.Selector
	case workflow.Hover:
		return v.Selector
	case workflow.UploadFile:
		return v.Selector
	case workflow.ExtractText:
		return v.Selector
	case workflow.VerifyElement:
		return v.Selector
	case workflow.MultiSelectorClick:
		if len(v.Selectors) > 0 {
			return v.Selectors[0]
		}
	}
	return ""
}
