// internal/action/atomic.go
package action

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pageflow/internal/browser"
	"github.com/xkilldash9x/pageflow/internal/faults"
	"github.com/xkilldash9x/pageflow/internal/workflow"
)

// dispatch runs one attempt of an atomic action.
func (r *Runner) dispatch(ctx context.Context, a workflow.Action, env *Env) error {
	s := env.Session
	switch v := a.(type) {
	case workflow.Input:
		return r.input(ctx, s, v, env)
	case workflow.Click:
		return r.click(ctx, s, v.Selector)
	case workflow.Delay:
		if res := r.pause(ctx, v.Duration.Std(), env); res != Success {
			return stopWith(res, "delay interrupted")
		}
		return nil
	case workflow.Select:
		return r.selectOption(ctx, s, v, env)
	case workflow.Check:
		return r.check(ctx, s, v)
	case workflow.WaitForElement:
		return r.waitFor(ctx, s, v)
	case workflow.KeyPress:
		for _, chord := range v.Keys {
			if err := s.PressKeys(ctx, browser.SplitChord(chord)); err != nil {
				return fmt.Errorf("pressing %q: %w", chord, err)
			}
		}
		return nil
	case workflow.Scroll:
		return r.scroll(ctx, s, v)
	case workflow.Hover:
		if err := r.locate(ctx, s, v.Selector, browser.ConditionVisible); err != nil {
			return err
		}
		if err := s.ScrollIntoView(ctx, v.Selector); err != nil {
			return err
		}
		return s.Hover(ctx, v.Selector)
	case workflow.SwitchWindow:
		return r.switchWindow(ctx, s, v)
	case workflow.UploadFile:
		return r.upload(ctx, s, v, env)
	case workflow.ExtractText:
		return r.extract(ctx, s, v, env)
	case workflow.VerifyElement:
		return r.verify(ctx, s, v, env)
	case workflow.MultiSelectorClick:
		return r.multiClick(ctx, s, v.Selectors)
	}
	return fmt.Errorf("unsupported action kind %q", a.Kind())
}

// locate waits up to the element timeout for cond. An element that never
// shows up is reported as not found.
func (r *Runner) locate(ctx context.Context, s browser.Session, selector string, cond browser.Condition) error {
	wctx, cancel := context.WithTimeout(ctx, r.cfg.ElementTimeout)
	defer cancel()
	if err := s.WaitFor(wctx, selector, cond); err != nil {
		if ctx.Err() == nil && (errors.Is(err, browser.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)) {
			return fmt.Errorf("locating %q (%s): %w", selector, cond, browser.ErrNoSuchElement)
		}
		return err
	}
	return nil
}

func (r *Runner) input(ctx context.Context, s browser.Session, v workflow.Input, env *Env) error {
	value := env.Resolve(v.Value)
	if err := r.locate(ctx, s, v.Selector, browser.ConditionVisible); err != nil {
		return err
	}
	if err := s.ScrollIntoView(ctx, v.Selector); err != nil {
		return err
	}
	if err := s.Focus(ctx, v.Selector); err != nil {
		return err
	}
	if err := r.human.PostFocusPause(ctx); err != nil {
		return err
	}
	if v.ClearFirst {
		if err := s.Clear(ctx, v.Selector); err != nil {
			return err
		}
	}
	if v.Typing == workflow.TypingInstant {
		return s.SendKeys(ctx, v.Selector, value)
	}
	return r.human.Type(ctx, s, v.Selector, value)
}

func (r *Runner) click(ctx context.Context, s browser.Session, selector string) error {
	if err := r.locate(ctx, s, selector, browser.ConditionClickable); err != nil {
		return err
	}
	if err := s.ScrollIntoView(ctx, selector); err != nil {
		return err
	}
	if err := r.human.ClickPause(ctx); err != nil {
		return err
	}
	return s.Click(ctx, selector)
}

func (r *Runner) selectOption(ctx context.Context, s browser.Session, v workflow.Select, env *Env) error {
	if err := r.locate(ctx, s, v.Selector, browser.ConditionPresent); err != nil {
		return err
	}
	if err := s.ScrollIntoView(ctx, v.Selector); err != nil {
		return err
	}
	return s.SelectOption(ctx, v.Selector, env.Resolve(v.Value), browser.SelectBy(v.By))
}

// check clicks only when the current state differs from the target.
func (r *Runner) check(ctx context.Context, s browser.Session, v workflow.Check) error {
	if err := r.locate(ctx, s, v.Selector, browser.ConditionPresent); err != nil {
		return err
	}
	st, err := s.Query(ctx, v.Selector)
	if err != nil {
		return err
	}
	if st.Checked == v.Checked {
		r.logger.Debug("Checkbox already in target state.", zap.String("selector", v.Selector), zap.Bool("checked", v.Checked))
		return nil
	}
	return r.click(ctx, s, v.Selector)
}

func (r *Runner) waitFor(ctx context.Context, s browser.Session, v workflow.WaitForElement) error {
	timeout := v.Timeout.Std()
	if timeout <= 0 {
		timeout = r.cfg.WaitTimeout
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.WaitFor(wctx, v.Selector, browser.Condition(v.Condition)); err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("waiting for %q to be %s: %w", v.Selector, v.Condition, browser.ErrTimeout)
		}
		return err
	}
	return nil
}

func (r *Runner) scroll(ctx context.Context, s browser.Session, v workflow.Scroll) error {
	switch v.Direction {
	case workflow.ScrollUp:
		return s.ScrollBy(ctx, 0, -v.Distance)
	case workflow.ScrollDown:
		return s.ScrollBy(ctx, 0, v.Distance)
	case workflow.ScrollTop:
		_, err := s.ExecuteScript(ctx, browser.ScriptScrollTop)
		return err
	case workflow.ScrollBottom:
		_, err := s.ExecuteScript(ctx, browser.ScriptScrollBottom)
		return err
	case workflow.ScrollToElement:
		if err := r.locate(ctx, s, v.Selector, browser.ConditionPresent); err != nil {
			return err
		}
		return s.ScrollIntoView(ctx, v.Selector)
	}
	return fmt.Errorf("unknown scroll direction %q", v.Direction)
}

func (r *Runner) switchWindow(ctx context.Context, s browser.Session, v workflow.SwitchWindow) error {
	handles, err := s.Windows(ctx)
	if err != nil {
		return err
	}
	if v.Handle != "" {
		for _, h := range handles {
			if h == v.Handle {
				return s.SwitchWindow(ctx, h)
			}
		}
		return fmt.Errorf("window %q is not open: %w", v.Handle, browser.ErrNoSuchElement)
	}
	if v.Index < 0 || v.Index >= len(handles) {
		// The window may still be opening.
		return fmt.Errorf("window index %d out of range (%d open): %w", v.Index, len(handles), browser.ErrNoSuchElement)
	}
	return s.SwitchWindow(ctx, handles[v.Index])
}

func (r *Runner) upload(ctx context.Context, s browser.Session, v workflow.UploadFile, env *Env) error {
	path, err := homedir.Expand(env.Resolve(v.Path))
	if err != nil {
		return fmt.Errorf("could not resolve upload path '%s': %w", v.Path, err)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("upload file: %w", err)
	}
	if err := r.locate(ctx, s, v.Selector, browser.ConditionPresent); err != nil {
		return err
	}
	return s.SetFiles(ctx, v.Selector, []string{path})
}

func (r *Runner) extract(ctx context.Context, s browser.Session, v workflow.ExtractText, env *Env) error {
	if err := r.locate(ctx, s, v.Selector, browser.ConditionPresent); err != nil {
		return err
	}
	var value string
	if v.Attribute != "" {
		attr, ok, err := s.Attribute(ctx, v.Selector, v.Attribute)
		if err != nil {
			return err
		}
		if !ok {
			r.logger.Debug("Attribute not present, storing empty value.",
				zap.String("selector", v.Selector), zap.String("attribute", v.Attribute))
		}
		value = attr
	} else {
		st, err := s.Query(ctx, v.Selector)
		if err != nil {
			return err
		}
		value = st.Text
	}
	value = strings.TrimSpace(value)
	if env.Vars != nil {
		env.Vars.Set(v.Variable, value)
	}
	r.logger.Debug("Extracted value.", zap.String("variable", v.Variable), zap.Int("length", len(value)))
	return nil
}

// verify applies the element's failure policy to a mismatch: skip succeeds,
// abort fails, and retry raises ErrVerificationFailed through the chain.
func (r *Runner) verify(ctx context.Context, s browser.Session, v workflow.VerifyElement, env *Env) error {
	mismatch, err := r.mismatch(ctx, s, v, env)
	if err != nil {
		return err
	}
	if mismatch == "" {
		return nil
	}
	switch v.OnFailure {
	case workflow.OnFailureSkip:
		r.logger.Info("Verification failed, skipping.", zap.String("selector", v.Selector), zap.String("reason", mismatch))
		return nil
	case workflow.OnFailureRetry:
		return fmt.Errorf("%s: %w", mismatch, faults.ErrVerificationFailed)
	default:
		return stopWith(Failed, "verification of %q failed: %s", v.Selector, mismatch)
	}
}

func (r *Runner) mismatch(ctx context.Context, s browser.Session, v workflow.VerifyElement, env *Env) (string, error) {
	if err := r.locate(ctx, s, v.Selector, browser.ConditionPresent); err != nil {
		if errors.Is(err, browser.ErrNoSuchElement) {
			return "element not found", nil
		}
		return "", err
	}
	st, err := s.Query(ctx, v.Selector)
	if errors.Is(err, browser.ErrNoSuchElement) {
		return "element not found", nil
	}
	if err != nil {
		return "", err
	}
	if want := env.Resolve(v.ExpectedText); want != "" && !strings.Contains(st.Text, want) {
		return fmt.Sprintf("text %q does not contain %q", st.Text, want), nil
	}
	for name, raw := range v.ExpectedAttributes {
		want := env.Resolve(raw)
		got, ok, err := s.Attribute(ctx, v.Selector, name)
		if err != nil {
			return "", err
		}
		if !ok || got != want {
			return fmt.Sprintf("attribute %s is %q, want %q", name, got, want), nil
		}
	}
	return "", nil
}

// multiClick clicks the first present, visible and enabled selector.
func (r *Runner) multiClick(ctx context.Context, s browser.Session, selectors []string) error {
	for _, sel := range selectors {
		st, err := s.Query(ctx, sel)
		if errors.Is(err, browser.ErrNoSuchElement) {
			continue
		}
		if err != nil {
			return err
		}
		if !st.Visible || !st.Enabled {
			continue
		}
		if err := s.ScrollIntoView(ctx, sel); err != nil {
			return err
		}
		if err := r.human.ClickPause(ctx); err != nil {
			return err
		}
		r.logger.Debug("Clicking matched alternative.", zap.String("selector", sel))
		return s.Click(ctx, sel)
	}
	return fmt.Errorf("none of %d selectors matched a clickable element: %w", len(selectors), browser.ErrNoSuchElement)
}
