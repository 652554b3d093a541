// internal/browser/rod/session.go

// Package rod drives Chrome with go-rod, hiding automation markers with go-rod/stealth.
package rod

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pageflow/internal/browser"
	"github.com/xkilldash9x/pageflow/internal/config"
)

const defaultPollInterval = 100 * time.Millisecond

// Session is a browser.Session backed by go-rod.
type Session struct {
	log          *zap.Logger
	pollInterval time.Duration
	launcher     *launcher.Launcher
	browser      *rod.Browser

	mu   sync.Mutex
	page *rod.Page
}

var _ browser.Session = (*Session)(nil)

// Launcher builds the Chrome launcher for cfg without starting it.
func Launcher(cfg config.BrowserConfig) *launcher.Launcher {
	l := launcher.New().
		Headless(cfg.Headless).
		NoSandbox(true).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-dev-shm-usage")
	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		l = l.Set("window-size", fmt.Sprintf("%d,%d", cfg.WindowWidth, cfg.WindowHeight))
	}
	if cfg.UserDataDir != "" {
		l = l.UserDataDir(cfg.UserDataDir)
	}
	for _, arg := range cfg.Args {
		arg = strings.TrimPrefix(arg, "--")
		if arg == "" {
			continue
		}
		name, value, hasValue := strings.Cut(arg, "=")
		if hasValue {
			l = l.Set(flags.Flag(name), value)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	return l
}

// New launches Chrome and opens the page the engine drives. With
// cfg.Stealth the page is created through go-rod/stealth.
func New(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Session, error) {
	log := logger.Named("rod")
	l := Launcher(cfg).Context(ctx)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	var page *rod.Page
	if cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		_ = b.Close()
		l.Kill()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}

	log.Info("Browser started.", zap.Bool("headless", cfg.Headless), zap.Bool("stealth", cfg.Stealth))
	return &Session{
		log:          log,
		pollInterval: defaultPollInterval,
		launcher:     l,
		browser:      b,
		page:         page,
	}, nil
}

// current returns the active page bound to ctx.
func (s *Session) current(ctx context.Context) *rod.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page.Context(ctx)
}

func (s *Session) eval(ctx context.Context, expr string) (json.RawMessage, error) {
	res, err := proto.RuntimeEvaluate{
		Expression:    expr,
		ReturnByValue: true,
		AwaitPromise:  true,
	}.Call(s.current(ctx))
	if err != nil {
		return nil, err
	}
	if res.ExceptionDetails != nil {
		return nil, fmt.Errorf("script raised: %s", exceptionText(res.ExceptionDetails))
	}
	if res.Result == nil || res.Result.Type == proto.RuntimeRemoteObjectTypeUndefined {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(res.Result.Value.JSON("", "")), nil
}

func exceptionText(d *proto.RuntimeExceptionDetails) string {
	if d.Exception != nil && d.Exception.Description != "" {
		return d.Exception.Description
	}
	return d.Text
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
	p := s.current(ctx)
	if err := p.Navigate(url); err != nil {
		return browser.ClassifyError(ctx, "navigate", err)
	}
	return browser.ClassifyError(ctx, "navigate", p.WaitLoad())
}

func (s *Session) URL(ctx context.Context) (string, error) {
	info, err := s.current(ctx).Info()
	if err != nil {
		return "", browser.ClassifyError(ctx, "url", err)
	}
	return info.URL, nil
}

func (s *Session) Title(ctx context.Context) (string, error) {
	info, err := s.current(ctx).Info()
	if err != nil {
		return "", browser.ClassifyError(ctx, "title", err)
	}
	return info.Title, nil
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
	return browser.ClassifyError(ctx, "send keys", s.current(ctx).InsertText(text))
}

func (s *Session) SelectOption(ctx context.Context, selector, value string, by browser.SelectBy) error {
	raw, err := s.element(ctx, "select", selector, browser.OpSelect, value, string(by))
	if err != nil {
		return err
	}
	return browser.DecodeSelected(selector, value, raw)
}

func (s *Session) SetFiles(ctx context.Context, selector string, paths []string) error {
	p := s.current(ctx).Sleeper(rod.NotFoundSleeper)
	var (
		el  *rod.Element
		err error
	)
	if browser.IsXPath(selector) {
		el, err = p.ElementX(selector)
	} else {
		el, err = p.Element(selector)
	}
	if err != nil {
		var notFound *rod.ElementNotFoundError
		if errors.As(err, &notFound) {
			return fmt.Errorf("%q: %w", selector, browser.ErrNoSuchElement)
		}
		return browser.ClassifyError(ctx, "set files "+selector, err)
	}
	return browser.ClassifyError(ctx, "set files "+selector, el.SetFiles(paths))
}

func (s *Session) Attribute(ctx context.Context, selector, name string) (string, bool, error) {
	raw, err := s.element(ctx, "attribute", selector, browser.OpAttribute, name)
	if err != nil {
		return "", false, err
	}
	return browser.DecodeAttribute(selector, raw)
}

func (s *Session) PressKeys(ctx context.Context, keys []string) error {
	mods, pressed, err := chord(keys)
	if err != nil {
		return err
	}
	err = s.current(ctx).KeyActions().Press(mods...).Type(pressed...).Do()
	return browser.ClassifyError(ctx, "press keys", err)
}

func (s *Session) ScrollBy(ctx context.Context, dx, dy int) error {
	_, err := s.eval(ctx, browser.ScrollByScript(dx, dy))
	return browser.ClassifyError(ctx, "scroll by", err)
}

// Windows lists the target ids of the open pages.
func (s *Session) Windows(ctx context.Context) ([]string, error) {
	pages, err := s.browser.Context(ctx).Pages()
	if err != nil {
		return nil, browser.ClassifyError(ctx, "windows", err)
	}
	handles := make([]string, 0, len(pages))
	for _, p := range pages {
		handles = append(handles, string(p.TargetID))
	}
	return handles, nil
}

// SwitchWindow makes the page with the given target id current.
func (s *Session) SwitchWindow(ctx context.Context, handle string) error {
	page, err := s.browser.Context(ctx).PageFromTarget(proto.TargetTargetID(handle))
	if err != nil {
		return browser.ClassifyError(ctx, "switch window", err)
	}
	if _, err := page.Activate(); err != nil {
		return browser.ClassifyError(ctx, "switch window", err)
	}
	s.mu.Lock()
	s.page = page.Context(context.Background())
	s.mu.Unlock()
	s.log.Debug("Switched window.", zap.String("target", handle))
	return nil
}

// Close shuts the browser down and removes the launcher's temporary profile.
func (s *Session) Close() error {
	err := s.browser.Close()
	s.launcher.Cleanup()
	if err != nil {
		return fmt.Errorf("failed to close browser: %w", err)
	}
	return nil
}

var modifierKeys = map[string]input.Key{
	"alt":     input.AltLeft,
	"option":  input.AltLeft,
	"control": input.ControlLeft,
	"ctrl":    input.ControlLeft,
	"meta":    input.MetaLeft,
	"command": input.MetaLeft,
	"cmd":     input.MetaLeft,
	"shift":   input.ShiftLeft,
}

var namedKeys = map[string]input.Key{
	"enter":      input.Enter,
	"return":     input.Enter,
	"tab":        input.Tab,
	"escape":     input.Escape,
	"esc":        input.Escape,
	"backspace":  input.Backspace,
	"delete":     input.Delete,
	"space":      input.Key(' '),
	"arrowup":    input.ArrowUp,
	"arrowdown":  input.ArrowDown,
	"arrowleft":  input.ArrowLeft,
	"arrowright": input.ArrowRight,
	"up":         input.ArrowUp,
	"down":       input.ArrowDown,
	"left":       input.ArrowLeft,
	"right":      input.ArrowRight,
	"home":       input.Home,
	"end":        input.End,
	"pageup":     input.PageUp,
	"pagedown":   input.PageDown,
}

// chord splits a chord into held modifiers and the keys typed under them.
// Single characters are limited to printable ASCII.
func chord(keys []string) (mods, pressed []input.Key, err error) {
	for _, name := range keys {
		lower := strings.ToLower(name)
		if k, ok := modifierKeys[lower]; ok {
			mods = append(mods, k)
			continue
		}
		if k, ok := namedKeys[lower]; ok {
			pressed = append(pressed, k)
			continue
		}
		if len(name) == 1 && name[0] >= 0x20 && name[0] < 0x7f {
			pressed = append(pressed, input.Key(name[0]))
			continue
		}
		return nil, nil, fmt.Errorf("unknown key %s", strconv.Quote(name))
	}
	if len(pressed) == 0 {
		return nil, nil, fmt.Errorf("key chord %q has no key besides modifiers", strings.Join(keys, "+"))
	}
	return mods, pressed, nil
}
