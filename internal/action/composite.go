// internal/action/composite.go
package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pageflow/internal/browser"
	"github.com/xkilldash9x/pageflow/internal/workflow"
)

// runSequence runs children in order and returns the first non-success result.
func (r *Runner) runSequence(ctx context.Context, actions []workflow.Action, env *Env) Result {
	for i, a := range actions {
		if res := r.Execute(ctx, a, env); res != Success {
			r.logger.Debug("Sequence stopped.", zap.Int("index", i), zap.String("kind", string(a.Kind())), zap.String("result", res.String()))
			return res
		}
	}
	return Success
}

func (r *Runner) runConditional(ctx context.Context, v workflow.Conditional, env *Env) Result {
	ok, err := r.probe(ctx, v.Condition, env, "")
	if err != nil {
		if ctx.Err() != nil {
			return Interrupted
		}
		r.logger.Warn("Condition could not be evaluated.", zap.String("probe", string(v.Condition.Type)), zap.Error(err))
		return Failed
	}
	if ok {
		return r.runSequence(ctx, v.IfTrue, env)
	}
	return r.runSequence(ctx, v.IfFalse, env)
}

// runRetry re-runs the children until an attempt succeeds and the success
// condition, when given, holds, or attempts are spent. Interrupted is
// returned at once.
func (r *Runner) runRetry(ctx context.Context, v workflow.Retry, env *Env) Result {
	maxAttempts := v.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var baseline string
	if v.SuccessCondition != nil && v.SuccessCondition.Normalized().Type == workflow.ProbeURLChanged {
		baseline, _ = env.Session.URL(ctx)
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res := r.runSequence(ctx, v.Actions, env)
		if res == Interrupted {
			return Interrupted
		}

		// The condition only confirms an attempt whose children all succeeded.
		done := res == Success
		if done && v.SuccessCondition != nil {
			ok, err := r.probe(ctx, *v.SuccessCondition, env, baseline)
			if err != nil && ctx.Err() != nil {
				return Interrupted
			}
			done = err == nil && ok
		}
		if done {
			return Success
		}

		r.logger.Debug("Retry attempt did not succeed.", zap.Int("attempt", attempt), zap.Int("max_attempts", maxAttempts), zap.String("result", res.String()))
		if attempt < maxAttempts {
			if p := r.pause(ctx, v.RetryDelay.Std(), env); p != Success {
				return p
			}
		}
	}
	return Failed
}

// runCallback asks the registered function for actions and runs them. A
// returned error or a non-success sequence is retried RetryCount times. When
// every attempt ended because the callback ran out of time the result is
// Timeout.
func (r *Runner) runCallback(ctx context.Context, v workflow.Callback, env *Env) Result {
	fn, ok := r.callbacks.Lookup(v.Name)
	if !ok {
		r.logger.Error("Callback is not registered.", zap.String("name", v.Name))
		return Failed
	}
	timeout := v.Timeout.Std()
	if timeout <= 0 {
		timeout = r.cfg.CallbackTimeout
	}
	attempts := v.RetryCount + 1
	timedOut := 0

	for attempt := 1; attempt <= attempts; attempt++ {
		pc, err := r.pageContext(ctx, env)
		if err != nil {
			return Interrupted
		}

		cctx, cancel := context.WithTimeout(ctx, timeout)
		actions, err := fn(cctx, env.Session, pc)
		cancel()

		switch {
		case ctx.Err() != nil:
			return Interrupted
		case errors.Is(err, context.DeadlineExceeded):
			timedOut++
			r.logger.Warn("Callback timed out.", zap.String("name", v.Name), zap.Int("attempt", attempt), zap.Duration("timeout", timeout))
		case err != nil:
			r.logger.Warn("Callback failed.", zap.String("name", v.Name), zap.Int("attempt", attempt), zap.Error(err))
		default:
			res := r.runSequence(ctx, actions, env)
			if res == Success || res == Interrupted {
				return res
			}
			r.logger.Warn("Callback actions did not succeed.", zap.String("name", v.Name), zap.Int("attempt", attempt), zap.String("result", res.String()))
		}

		if attempt < attempts {
			if p := r.pause(ctx, r.cfg.CallbackRetryDelay, env); p != Success {
				return p
			}
		}
	}
	if timedOut == attempts {
		return Timeout
	}
	return Failed
}

func (r *Runner) pageContext(ctx context.Context, env *Env) (PageContext, error) {
	url, err := env.Session.URL(ctx)
	if err != nil {
		return PageContext{}, err
	}
	title, err := env.Session.Title(ctx)
	if err != nil {
		return PageContext{}, err
	}
	return PageContext{PageID: env.PageID, URL: url, Title: title, Vars: env.Vars, Lookup: env.Lookup}, nil
}

// probe evaluates a condition against the live page. baseline is the url
// url_changed compares with.
func (r *Runner) probe(ctx context.Context, p workflow.Probe, env *Env, baseline string) (bool, error) {
	s := env.Session
	p = p.Normalized()
	switch p.Type {
	case workflow.ProbeElementExists, workflow.ProbeElementAbsent:
		_, err := s.Query(ctx, p.Selector)
		if err != nil && !errors.Is(err, browser.ErrNoSuchElement) {
			return false, err
		}
		exists := err == nil
		if p.Type == workflow.ProbeElementAbsent {
			return !exists, nil
		}
		return exists, nil
	case workflow.ProbeElementVisible:
		st, err := s.Query(ctx, p.Selector)
		if errors.Is(err, browser.ErrNoSuchElement) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return st.Visible, nil
	case workflow.ProbeTextContains:
		text, err := r.textOf(ctx, s, p.Selector)
		if err != nil {
			return false, err
		}
		return strings.Contains(text, env.Resolve(p.Text)), nil
	case workflow.ProbeURLContains:
		url, err := s.URL(ctx)
		if err != nil {
			return false, err
		}
		return strings.Contains(url, env.Resolve(p.Text)), nil
	case workflow.ProbeURLChanged:
		url, err := s.URL(ctx)
		if err != nil {
			return false, err
		}
		return url != baseline, nil
	}
	return false, fmt.Errorf("unknown probe type %q", p.Type)
}

// textOf returns the element's text, or the whole body's when selector is empty.
func (r *Runner) textOf(ctx context.Context, s browser.Session, selector string) (string, error) {
	if selector != "" {
		st, err := s.Query(ctx, selector)
		if errors.Is(err, browser.ErrNoSuchElement) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		return st.Text, nil
	}
	raw, err := s.ExecuteScript(ctx, browser.ScriptBodyText)
	if err != nil {
		return "", err
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return "", fmt.Errorf("decoding body text: %w", err)
	}
	return text, nil
}
