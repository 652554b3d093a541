// internal/browser/cdp/session.go

// Package cdp drives Chrome over the DevTools protocol with chromedp.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	cdproto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pageflow/internal/browser"
	"github.com/xkilldash9x/pageflow/internal/config"
)

const defaultPollInterval = 100 * time.Millisecond

// Session is a browser.Session backed by a chromedp-managed Chrome.
type Session struct {
	log          *zap.Logger
	pollInterval time.Duration

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu   sync.Mutex
	tab  context.Context
	tabs map[target.ID]tab
}

type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

var _ browser.Session = (*Session)(nil)

// New launches Chrome and attaches to its first tab.
func New(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Session, error) {
	log := logger.Named("cdp")
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, AllocatorOptions(cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(log.Sugar().Debugf),
		chromedp.WithErrorf(log.Sugar().Debugf),
	)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	s := &Session{
		log:           log,
		pollInterval:  defaultPollInterval,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		tab:           browserCtx,
		tabs:          make(map[target.ID]tab),
	}
	if c := chromedp.FromContext(browserCtx); c != nil && c.Target != nil {
		s.tabs[c.Target.TargetID] = tab{ctx: browserCtx}
	}
	log.Info("Browser started.", zap.Bool("headless", cfg.Headless))
	return s, nil
}

// run executes actions on the current tab, bounded by ctx.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	s.mu.Lock()
	current := s.tab
	s.mu.Unlock()
	return runOn(ctx, current, actions...)
}

// runOn executes actions on tabCtx. The chromedp values come from tabCtx,
// the cancellation from ctx.
func runOn(ctx, tabCtx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (s *Session) eval(ctx context.Context, expr string) (json.RawMessage, error) {
	raw := json.RawMessage("null")
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		v, exc, err := runtime.Evaluate(expr).
			WithReturnByValue(true).
			WithAwaitPromise(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("script raised: %w", exc)
		}
		if v != nil && v.Type != runtime.TypeUndefined && len(v.Value) > 0 {
			raw = json.RawMessage(v.Value)
		}
		return nil
	}))
	return raw, err
}

func (s *Session) element(ctx context.Context, name, selector string, op browser.ElementOp, args ...interface{}) (json.RawMessage, error) {
	raw, err := s.eval(ctx, browser.ElementScript(selector, op, args...))
	if err != nil {
		return nil, browser.ClassifyError(ctx, name+" "+selector, err)
	}
	return raw, nil
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	s.log.Debug("Navigating.", zap.String("url", url))
	return browser.ClassifyError(ctx, "navigate", s.run(ctx, chromedp.Navigate(url)))
}

func (s *Session) URL(ctx context.Context) (string, error) {
	var u string
	err := s.run(ctx, chromedp.Location(&u))
	return u, browser.ClassifyError(ctx, "url", err)
}

func (s *Session) Title(ctx context.Context) (string, error) {
	var t string
	err := s.run(ctx, chromedp.Title(&t))
	return t, browser.ClassifyError(ctx, "title", err)
}

func (s *Session) ReadyState(ctx context.Context) (string, error) {
	raw, err := s.eval(ctx, `document.readyState`)
	if err != nil {
		return "", browser.ClassifyError(ctx, "ready state", err)
	}
	var state string
	if err := json.Unmarshal(raw, &state); err != nil {
		return "", fmt.Errorf("decoding ready state: %w", err)
	}
	return state, nil
}

func (s *Session) ExecuteScript(ctx context.Context, script string) (json.RawMessage, error) {
	raw, err := s.eval(ctx, script)
	if err != nil {
		return nil, browser.ClassifyError(ctx, "execute script", err)
	}
	return raw, nil
}

func (s *Session) Query(ctx context.Context, selector string) (*browser.ElementState, error) {
	raw, err := s.element(ctx, "query", selector, browser.OpState)
	if err != nil {
		return nil, err
	}
	return browser.DecodeState(selector, raw)
}

func (s *Session) WaitFor(ctx context.Context, selector string, cond browser.Condition) error {
	return browser.PollCondition(ctx, s.Query, selector, cond, s.pollInterval)
}

func (s *Session) ScrollIntoView(ctx context.Context, selector string) error {
	return s.simple(ctx, "scroll", selector, browser.OpScroll)
}

func (s *Session) Focus(ctx context.Context, selector string) error {
	return s.simple(ctx, "focus", selector, browser.OpFocus)
}

func (s *Session) Clear(ctx context.Context, selector string) error {
	return s.simple(ctx, "clear", selector, browser.OpClear)
}

func (s *Session) Click(ctx context.Context, selector string) error {
	return s.simple(ctx, "click", selector, browser.OpClick)
}

func (s *Session) Hover(ctx context.Context, selector string) error {
	return s.simple(ctx, "hover", selector, browser.OpHover)
}

func (s *Session) simple(ctx context.Context, name, selector string, op browser.ElementOp) error {
	raw, err := s.element(ctx, name, selector, op)
	if err != nil {
		return err
	}
	_, err = browser.DecodeElementResult(selector, raw)
	return err
}

func (s *Session) SendKeys(ctx context.Context, selector, text string) error {
	if selector != "" {
		if err := s.Focus(ctx, selector); err != nil {
			return err
		}
	}
	return browser.ClassifyError(ctx, "send keys", s.run(ctx, input.InsertText(text)))
}

func (s *Session) SelectOption(ctx context.Context, selector, value string, by browser.SelectBy) error {
	raw, err := s.element(ctx, "select", selector, browser.OpSelect, value, string(by))
	if err != nil {
		return err
	}
	return browser.DecodeSelected(selector, value, raw)
}

func (s *Session) SetFiles(ctx context.Context, selector string, paths []string) error {
	by := chromedp.ByQuery
	if browser.IsXPath(selector) {
		by = chromedp.BySearch
	}
	var nodes []*cdproto.Node
	err := s.run(ctx,
		chromedp.Nodes(selector, &nodes, by, chromedp.AtLeast(0)),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if len(nodes) == 0 {
				return fmt.Errorf("%q: %w", selector, browser.ErrNoSuchElement)
			}
			return dom.SetFileInputFiles(paths).WithNodeID(nodes[0].NodeID).Do(ctx)
		}),
	)
	return browser.ClassifyError(ctx, "set files "+selector, err)
}

func (s *Session) Attribute(ctx context.Context, selector, name string) (string, bool, error) {
	raw, err := s.element(ctx, "attribute", selector, browser.OpAttribute, name)
	if err != nil {
		return "", false, err
	}
	return browser.DecodeAttribute(selector, raw)
}

func (s *Session) PressKeys(ctx context.Context, keys []string) error {
	tasks, err := chord(keys)
	if err != nil {
		return err
	}
	return browser.ClassifyError(ctx, "press keys", s.run(ctx, tasks))
}

func (s *Session) ScrollBy(ctx context.Context, dx, dy int) error {
	_, err := s.eval(ctx, browser.ScrollByScript(dx, dy))
	return browser.ClassifyError(ctx, "scroll by", err)
}

// Windows lists the handles of the open page targets.
func (s *Session) Windows(ctx context.Context) ([]string, error) {
	var handles []string
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		infos, err := target.GetTargets().Do(ctx)
		if err != nil {
			return err
		}
		for _, info := range infos {
			if info.Type == "page" {
				handles = append(handles, string(info.TargetID))
			}
		}
		return nil
	}))
	return handles, browser.ClassifyError(ctx, "windows", err)
}

// SwitchWindow attaches to the page target named by handle and makes it current.
func (s *Session) SwitchWindow(ctx context.Context, handle string) error {
	id := target.ID(handle)

	s.mu.Lock()
	t, ok := s.tabs[id]
	if !ok {
		tabCtx, cancel := chromedp.NewContext(s.browserCtx, chromedp.WithTargetID(id))
		t = tab{ctx: tabCtx, cancel: cancel}
		s.tabs[id] = t
	}
	s.mu.Unlock()

	if err := runOn(ctx, t.ctx, target.ActivateTarget(id)); err != nil {
		return browser.ClassifyError(ctx, "switch window", err)
	}

	s.mu.Lock()
	s.tab = t.ctx
	s.mu.Unlock()
	s.log.Debug("Switched window.", zap.String("target", handle))
	return nil
}

// Close shuts the browser down.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tabs {
		if t.cancel != nil {
			t.cancel()
		}
	}
	err := chromedp.Cancel(s.browserCtx)
	s.browserCancel()
	s.allocCancel()
	if err != nil {
		return fmt.Errorf("failed to close browser: %w", err)
	}
	return nil
}
