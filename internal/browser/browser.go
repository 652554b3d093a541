// internal/browser/browser.go
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Transient DOM faults. Every Session implementation maps its native failures
// onto these so the fault chain can classify them with errors.Is.
var (
	// ErrStaleElement indicates the element reference was detached from the
	// document between lookup and use, usually because of a navigation or re-render.
	ErrStaleElement = errors.New("element is stale or detached from the document")
	// ErrNoSuchElement indicates no element matched the selector.
	ErrNoSuchElement = errors.New("no element matches selector")
	// ErrTimeout indicates a bounded browser operation ran out of time.
	ErrTimeout = errors.New("browser operation timed out")
)

// Condition names the state WaitFor blocks on.
type Condition string

const (
	ConditionVisible   Condition = "visible"
	ConditionClickable Condition = "clickable"
	ConditionPresent   Condition = "present"
	ConditionAbsent    Condition = "absent"
	ConditionInvisible Condition = "invisible"
)

// Valid reports whether c is a known condition.
func (c Condition) Valid() bool {
	switch c {
	case ConditionVisible, ConditionClickable, ConditionPresent, ConditionAbsent, ConditionInvisible:
		return true
	}
	return false
}

// Holds reports whether the condition is satisfied by the given element state.
// A nil state means the element is not in the document.
func (c Condition) Holds(st *ElementState) bool {
	switch c {
	case ConditionPresent:
		return st != nil
	case ConditionAbsent:
		return st == nil
	case ConditionVisible:
		return st != nil && st.Visible
	case ConditionInvisible:
		return st == nil || !st.Visible
	case ConditionClickable:
		return st != nil && st.Visible && st.Enabled
	}
	return false
}

// SelectBy selects how SelectOption matches an <option>.
type SelectBy string

const (
	SelectByText  SelectBy = "text"
	SelectByValue SelectBy = "value"
	SelectByIndex SelectBy = "index"
)

// ReadyStateComplete is the document.readyState value of a fully loaded page.
const ReadyStateComplete = "complete"

// Scripts the engine evaluates through ExecuteScript.
const (
	ScriptBodyText     = `document.body ? document.body.innerText : ""`
	ScriptScrollTop    = `window.scrollTo(0, 0)`
	ScriptScrollBottom = `window.scrollTo(0, document.body ? document.body.scrollHeight : 0)`
)

// ElementState is a point-in-time snapshot of one element.
type ElementState struct {
	Visible bool   `json:"visible"`
	Enabled bool   `json:"enabled"`
	Checked bool   `json:"checked"`
	Text    string `json:"text"`
	Value   string `json:"value"`
	TagName string `json:"tagName"`
}

// Session is the browser handle the engine drives. It is not safe for
// concurrent use; the orchestration loop is its only caller.
//
// Selectors are CSS unless they start with "//" or "(", in which case they
// are XPath expressions.
type Session interface {
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	ReadyState(ctx context.Context) (string, error)
	ExecuteScript(ctx context.Context, script string) (json.RawMessage, error)

	// Query returns the element's state, or ErrNoSuchElement.
	Query(ctx context.Context, selector string) (*ElementState, error)
	// WaitFor blocks until cond holds or ctx expires, in which case it returns ErrTimeout.
	WaitFor(ctx context.Context, selector string, cond Condition) error

	ScrollIntoView(ctx context.Context, selector string) error
	Focus(ctx context.Context, selector string) error
	Clear(ctx context.Context, selector string) error
	// SendKeys types text into the focused element as a single burst.
	SendKeys(ctx context.Context, selector, text string) error
	// Click performs a script-level click.
	Click(ctx context.Context, selector string) error
	Hover(ctx context.Context, selector string) error
	SelectOption(ctx context.Context, selector, value string, by SelectBy) error
	SetFiles(ctx context.Context, selector string, paths []string) error
	Attribute(ctx context.Context, selector, name string) (string, bool, error)

	// PressKeys dispatches one chord; each entry is a key name or modifier.
	PressKeys(ctx context.Context, keys []string) error
	ScrollBy(ctx context.Context, dx, dy int) error

	Windows(ctx context.Context) ([]string, error)
	SwitchWindow(ctx context.Context, handle string) error

	Close() error
}

// IsXPath reports whether selector should be evaluated as XPath.
func IsXPath(selector string) bool {
	return strings.HasPrefix(selector, "//") || strings.HasPrefix(selector, "(")
}

// IsTransient reports whether err is one of the DOM faults the chain knows how to classify.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStaleElement) || errors.Is(err, ErrNoSuchElement) || errors.Is(err, ErrTimeout)
}

// SplitChord splits "Control+Shift+a" style chords into their keys.
// A lone "+" is kept as a key.
func SplitChord(chord string) []string {
	if chord == "+" {
		return []string{"+"}
	}
	parts := strings.Split(chord, "+")
	keys := make([]string, 0, len(parts))
	for i, p := range parts {
		if p == "" {
			// "Control++" presses the plus key.
			if i == len(parts)-1 {
				keys = append(keys, "+")
			}
			continue
		}
		keys = append(keys, p)
	}
	return keys
}
