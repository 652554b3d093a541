// internal/browser/browsertest/session.go
// Package browsertest provides an in-memory browser.Session whose page state
// tests script directly. It records every interaction in a journal.
package browsertest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/pageflow/internal/browser"
)

// Element is the scripted state of one selector.
type Element struct {
	Visible    bool
	Enabled    bool
	Checked    bool
	Text       string
	Value      string
	TagName    string
	Attributes map[string]string
	Options    []Option
	Files      []string
	// OnClick runs after a click is recorded, outside the session lock.
	OnClick func(s *Session)
}

// Option is one <option> of a select element.
type Option struct {
	Text  string
	Value string
}

// Visible returns an enabled, visible element.
func Visible() *Element { return &Element{Visible: true, Enabled: true} }

// Checkbox returns a visible checkbox in the given state.
func Checkbox(checked bool) *Element {
	return &Element{Visible: true, Enabled: true, Checked: checked, TagName: "input",
		Attributes: map[string]string{"type": "checkbox"}}
}

// Op is one journaled call.
type Op struct {
	Name     string
	Selector string
	Value    string
}

// Session is a thread-safe scripted page. The zero value is not usable; use New.
type Session struct {
	mu         sync.Mutex
	url        string
	title      string
	readyState string
	bodyText   string
	elements   map[string]*Element
	routes     map[string]string
	scripts    map[string]json.RawMessage
	windows    []string
	current    string
	scrollY    int
	faults     map[string][]error
	journal    []Op
	hook       func(op Op)
	pollEvery  time.Duration
	closed     bool
}

// New creates a session showing url with the given title.
func New(url, title string) *Session {
	return &Session{
		url:        url,
		title:      title,
		readyState: browser.ReadyStateComplete,
		elements:   make(map[string]*Element),
		routes:     make(map[string]string),
		scripts:    make(map[string]json.RawMessage),
		windows:    []string{"main"},
		current:    "main",
		faults:     make(map[string][]error),
		pollEvery:  5 * time.Millisecond,
	}
}

// SetPage replaces url and title together.
func (s *Session) SetPage(url, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url, s.title = url, title
}

// SetURL changes only the url.
func (s *Session) SetURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = url
}

// SetReadyState changes document.readyState.
func (s *Session) SetReadyState(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readyState = state
}

// SetBodyText sets the text ScriptBodyText evaluates to.
func (s *Session) SetBodyText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodyText = text
}

// Route makes Navigate(url) show title.
func (s *Session) Route(url, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[url] = title
}

// SetScriptResult fixes the raw JSON ExecuteScript returns for script.
func (s *Session) SetScriptResult(script string, result json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[script] = result
}

// SetElement installs or replaces the element behind selector.
func (s *Session) SetElement(selector string, el *Element) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elements[selector] = el
}

// RemoveElement detaches selector from the page.
func (s *Session) RemoveElement(selector string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.elements, selector)
}

// Element returns a copy of the element state, or nil.
func (s *Session) Element(selector string) *Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.elements[selector]
	if !ok {
		return nil
	}
	cp := *el
	return &cp
}

// AddWindow opens another window handle.
func (s *Session) AddWindow(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = append(s.windows, handle)
}

// CurrentWindow returns the active window handle.
func (s *Session) CurrentWindow() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// ScrollY returns the vertical scroll offset.
func (s *Session) ScrollY() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scrollY
}

// FailNext queues err for the next call of op on selector. Use "" as the
// selector for calls that take none.
func (s *Session) FailNext(op, selector string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := op + "|" + selector
	s.faults[key] = append(s.faults[key], errs...)
}

// OnOp registers a hook called after every journaled op, outside the lock.
func (s *Session) OnOp(hook func(op Op)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// Journal returns a copy of every recorded op.
func (s *Session) Journal() []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Op(nil), s.journal...)
}

// Count returns how many times op was recorded, optionally for one selector.
func (s *Session) Count(op, selector string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.journal {
		if o.Name == op && (selector == "" || o.Selector == selector) {
			n++
		}
	}
	return n
}

// Ops returns the names of journaled interactions, skipping reads.
func (s *Session) Ops() []string {
	var out []string
	for _, o := range s.Journal() {
		switch o.Name {
		case "url", "title", "ready_state", "query", "wait_for", "attribute", "windows":
			continue
		}
		out = append(out, o.Name+" "+o.Selector)
	}
	return out
}

// record journals op and pops any queued fault for it. The caller holds s.mu.
func (s *Session) record(name, selector, value string) error {
	s.journal = append(s.journal, Op{Name: name, Selector: selector, Value: value})
	key := name + "|" + selector
	if q := s.faults[key]; len(q) > 0 {
		s.faults[key] = q[1:]
		return q[0]
	}
	return nil
}

func (s *Session) fire(name, selector, value string) {
	s.mu.Lock()
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(Op{Name: name, Selector: selector, Value: value})
	}
}

// lookup returns the element or ErrNoSuchElement. The caller holds s.mu.
func (s *Session) lookup(selector string) (*Element, error) {
	el, ok := s.elements[selector]
	if !ok {
		return nil, fmt.Errorf("%q: %w", selector, browser.ErrNoSuchElement)
	}
	return el, nil
}

// interact is the shared path of every element interaction.
func (s *Session) interact(ctx context.Context, name, selector, value string, apply func(el *Element) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	err := s.record(name, selector, value)
	if err == nil {
		var el *Element
		if el, err = s.lookup(selector); err == nil && apply != nil {
			err = apply(el)
		}
	}
	s.mu.Unlock()
	if err == nil {
		s.fire(name, selector, value)
	}
	return err
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	err := s.record("navigate", "", url)
	if err == nil {
		s.url = url
		if title, ok := s.routes[url]; ok {
			s.title = title
		}
	}
	s.mu.Unlock()
	if err == nil {
		s.fire("navigate", "", url)
	}
	return err
}

func (s *Session) URL(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("url", "", ""); err != nil {
		return "", err
	}
	return s.url, nil
}

func (s *Session) Title(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("title", "", ""); err != nil {
		return "", err
	}
	return s.title, nil
}

// ReadyState fires the op hook after reading, so hooks can model a page
// that finishes loading.
func (s *Session) ReadyState(ctx context.Context) (string, error) {
	s.mu.Lock()
	err := s.record("ready_state", "", "")
	state := s.readyState
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	s.fire("ready_state", "", state)
	return state, nil
}

func (s *Session) ExecuteScript(ctx context.Context, script string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("script", "", script); err != nil {
		return nil, err
	}
	switch script {
	case browser.ScriptBodyText:
		return json.Marshal(s.bodyText)
	case browser.ScriptScrollTop:
		s.scrollY = 0
	case browser.ScriptScrollBottom:
		s.scrollY = 100000
	}
	if res, ok := s.scripts[script]; ok {
		return res, nil
	}
	return json.RawMessage("null"), nil
}

func (s *Session) Query(ctx context.Context, selector string) (*browser.ElementState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("query", selector, ""); err != nil {
		return nil, err
	}
	el, err := s.lookup(selector)
	if err != nil {
		return nil, err
	}
	return stateOf(el), nil
}

func stateOf(el *Element) *browser.ElementState {
	return &browser.ElementState{
		Visible: el.Visible,
		Enabled: el.Enabled,
		Checked: el.Checked,
		Text:    el.Text,
		Value:   el.Value,
		TagName: el.TagName,
	}
}

// WaitFor polls the scripted state until cond holds.
func (s *Session) WaitFor(ctx context.Context, selector string, cond browser.Condition) error {
	s.mu.Lock()
	err := s.record("wait_for", selector, string(cond))
	every := s.pollEvery
	s.mu.Unlock()
	if err != nil {
		return err
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		var st *browser.ElementState
		if el, ok := s.elements[selector]; ok {
			st = stateOf(el)
		}
		s.mu.Unlock()
		if cond.Holds(st) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %q to be %s: %w", selector, cond, browser.ErrTimeout)
		case <-ticker.C:
		}
	}
}

func (s *Session) ScrollIntoView(ctx context.Context, selector string) error {
	return s.interact(ctx, "scroll_into_view", selector, "", nil)
}

func (s *Session) Focus(ctx context.Context, selector string) error {
	return s.interact(ctx, "focus", selector, "", nil)
}

func (s *Session) Clear(ctx context.Context, selector string) error {
	return s.interact(ctx, "clear", selector, "", func(el *Element) error {
		el.Value = ""
		return nil
	})
}

func (s *Session) SendKeys(ctx context.Context, selector, text string) error {
	return s.interact(ctx, "send_keys", selector, text, func(el *Element) error {
		el.Value += text
		return nil
	})
}

func (s *Session) Click(ctx context.Context, selector string) error {
	var onClick func(*Session)
	err := s.interact(ctx, "click", selector, "", func(el *Element) error {
		if t := el.Attributes["type"]; t == "checkbox" || t == "radio" {
			el.Checked = !el.Checked || t == "radio"
		}
		onClick = el.OnClick
		return nil
	})
	if err == nil && onClick != nil {
		onClick(s)
	}
	return err
}

func (s *Session) Hover(ctx context.Context, selector string) error {
	return s.interact(ctx, "hover", selector, "", nil)
}

func (s *Session) SelectOption(ctx context.Context, selector, value string, by browser.SelectBy) error {
	return s.interact(ctx, "select", selector, value, func(el *Element) error {
		for i, o := range el.Options {
			match := false
			switch by {
			case browser.SelectByValue:
				match = o.Value == value
			case browser.SelectByIndex:
				match = strconv.Itoa(i) == value
			default:
				match = strings.TrimSpace(o.Text) == value
			}
			if match {
				el.Value = o.Value
				return nil
			}
		}
		return fmt.Errorf("option %q (by %s) in %q: %w", value, by, selector, browser.ErrNoSuchElement)
	})
}

func (s *Session) SetFiles(ctx context.Context, selector string, paths []string) error {
	return s.interact(ctx, "set_files", selector, strings.Join(paths, ","), func(el *Element) error {
		el.Files = append([]string(nil), paths...)
		return nil
	})
}

func (s *Session) Attribute(ctx context.Context, selector, name string) (string, bool, error) {
	var (
		val string
		ok  bool
	)
	err := s.interact(ctx, "attribute", selector, name, func(el *Element) error {
		val, ok = el.Attributes[name]
		return nil
	})
	return val, ok, err
}

func (s *Session) PressKeys(ctx context.Context, keys []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chord := strings.Join(keys, "+")
	s.mu.Lock()
	err := s.record("press_keys", "", chord)
	s.mu.Unlock()
	if err == nil {
		s.fire("press_keys", "", chord)
	}
	return err
}

func (s *Session) ScrollBy(ctx context.Context, dx, dy int) error {
	s.mu.Lock()
	err := s.record("scroll_by", "", fmt.Sprintf("%d,%d", dx, dy))
	if err == nil {
		s.scrollY += dy
		if s.scrollY < 0 {
			s.scrollY = 0
		}
	}
	s.mu.Unlock()
	return err
}

func (s *Session) Windows(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("windows", "", ""); err != nil {
		return nil, err
	}
	return append([]string(nil), s.windows...), nil
}

func (s *Session) SwitchWindow(ctx context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("switch_window", "", handle); err != nil {
		return err
	}
	for _, w := range s.windows {
		if w == handle {
			s.current = handle
			return nil
		}
	}
	return fmt.Errorf("window %q: %w", handle, browser.ErrNoSuchElement)
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ browser.Session = (*Session)(nil)
