// internal/browser/dom.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// resolveJS finds the first match of a CSS or XPath selector.
const resolveJS = `(sel) => {
	if (sel.startsWith("//") || sel.startsWith("(")) {
		return document.evaluate(sel, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
	}
	return document.querySelector(sel);
}`

// Element operations shared by the session backends. Each body runs with el
// bound to the resolved element and a bound to the extra arguments.
const (
	opState = `const r = el.getBoundingClientRect();
		const s = window.getComputedStyle(el);
		return {
			visible: r.width > 0 && r.height > 0 && s.display !== "none" && s.visibility !== "hidden" && s.opacity !== "0",
			enabled: !el.disabled && el.getAttribute("aria-disabled") !== "true",
			checked: !!el.checked,
			text: (el.innerText || el.textContent || "").trim(),
			value: el.value === undefined || el.value === null ? "" : String(el.value),
			tagName: (el.tagName || "").toLowerCase()
		};`
	opFocus  = `el.focus(); return null;`
	opScroll = `el.scrollIntoView({block: "center", inline: "center"}); return null;`
	opClick  = `el.scrollIntoView({block: "center", inline: "center"}); el.click(); return null;`
	opHover  = `for (const t of ["mouseover", "mouseenter", "mousemove"]) {
			el.dispatchEvent(new MouseEvent(t, {bubbles: t !== "mouseenter", view: window}));
		}
		return null;`
	opClear = `el.focus();
		if (el.isContentEditable) {
			el.textContent = "";
		} else if ("value" in el) {
			el.value = "";
		}
		el.dispatchEvent(new Event("input", {bubbles: true}));
		el.dispatchEvent(new Event("change", {bubbles: true}));
		return null;`
	opSelect = `const [want, by] = a;
		const opts = Array.from(el.options || []);
		let idx = -1;
		if (by === "index") {
			idx = Number(want);
			if (!(idx >= 0 && idx < opts.length)) idx = -1;
		} else {
			idx = opts.findIndex(o => by === "value" ? o.value === want : o.text.trim() === want);
		}
		if (idx < 0) return false;
		el.selectedIndex = idx;
		el.dispatchEvent(new Event("input", {bubbles: true}));
		el.dispatchEvent(new Event("change", {bubbles: true}));
		return true;`
	opAttribute = `return el.hasAttribute(a[0]) ? el.getAttribute(a[0]) : null;`
)

// ElementOp is a script-level operation on one element.
type ElementOp string

const (
	OpState     ElementOp = opState
	OpFocus     ElementOp = opFocus
	OpScroll    ElementOp = opScroll
	OpClick     ElementOp = opClick
	OpHover     ElementOp = opHover
	OpClear     ElementOp = opClear
	OpSelect    ElementOp = opSelect
	OpAttribute ElementOp = opAttribute
)

// ElementScript builds a self-contained expression that resolves selector,
// runs op on it, and evaluates to {found, value}.
func ElementScript(selector string, op ElementOp, args ...interface{}) string {
	if args == nil {
		args = []interface{}{}
	}
	sel, _ := jsonAPI.MarshalToString(selector)
	a, err := jsonAPI.MarshalToString(args)
	if err != nil {
		a = "[]"
	}
	return fmt.Sprintf(`(() => {
	const el = (%s)(%s);
	if (!el) return {found: false};
	const a = %s;
	const value = (() => { %s })();
	return {found: true, value: value === undefined ? null : value};
})()`, resolveJS, sel, a, string(op))
}

type elementResult struct {
	Found bool                `json:"found"`
	Value jsoniter.RawMessage `json:"value"`
}

// DecodeElementResult unpacks the result of an ElementScript evaluation.
// A missing element is reported as ErrNoSuchElement.
func DecodeElementResult(selector string, raw []byte) ([]byte, error) {
	var res elementResult
	if err := jsonAPI.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decoding element result for %q: %w", selector, err)
	}
	if !res.Found {
		return nil, fmt.Errorf("%q: %w", selector, ErrNoSuchElement)
	}
	return res.Value, nil
}

// DecodeState unpacks the result of an OpState evaluation.
func DecodeState(selector string, raw []byte) (*ElementState, error) {
	value, err := DecodeElementResult(selector, raw)
	if err != nil {
		return nil, err
	}
	var st ElementState
	if err := jsonAPI.Unmarshal(value, &st); err != nil {
		return nil, fmt.Errorf("decoding element state for %q: %w", selector, err)
	}
	return &st, nil
}

// DecodeAttribute unpacks the result of an OpAttribute evaluation.
func DecodeAttribute(selector string, raw []byte) (string, bool, error) {
	value, err := DecodeElementResult(selector, raw)
	if err != nil {
		return "", false, err
	}
	if len(value) == 0 || string(value) == "null" {
		return "", false, nil
	}
	var s string
	if err := jsonAPI.Unmarshal(value, &s); err != nil {
		return "", false, fmt.Errorf("decoding attribute of %q: %w", selector, err)
	}
	return s, true, nil
}

// DecodeSelected unpacks the result of an OpSelect evaluation.
func DecodeSelected(selector, want string, raw []byte) error {
	value, err := DecodeElementResult(selector, raw)
	if err != nil {
		return err
	}
	if string(value) != "true" {
		return fmt.Errorf("%q has no option %q: %w", selector, want, ErrNoSuchElement)
	}
	return nil
}

// ScrollByScript scrolls the window by a relative offset.
func ScrollByScript(dx, dy int) string {
	return fmt.Sprintf(`window.scrollBy(%d, %d)`, dx, dy)
}

// QueryFunc returns the state of the element matched by selector.
type QueryFunc func(ctx context.Context, selector string) (*ElementState, error)

// PollCondition queries selector every interval until cond holds. It returns
// ErrTimeout once ctx expires.
func PollCondition(ctx context.Context, query QueryFunc, selector string, cond Condition, interval time.Duration) error {
	if !cond.Valid() {
		return fmt.Errorf("unknown wait condition %q", cond)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := query(ctx, selector)
		switch {
		case err == nil:
		case errors.Is(err, ErrNoSuchElement), errors.Is(err, ErrStaleElement):
			st = nil
		case ctx.Err() != nil:
			return timeoutOr(ctx, selector, cond)
		default:
			return err
		}
		if cond.Holds(st) {
			return nil
		}
		select {
		case <-ctx.Done():
			return timeoutOr(ctx, selector, cond)
		case <-ticker.C:
		}
	}
}

func timeoutOr(ctx context.Context, selector string, cond Condition) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("waiting for %q to be %s: %w", selector, cond, ErrTimeout)
	}
	return ctx.Err()
}

// Protocol messages that mean the node or its execution context went away.
var staleMarkers = []string{
	"Cannot find context with specified id",
	"Execution context was destroyed",
	"No node with given id found",
	"Could not find node with given id",
	"Node is detached from document",
	"Inspected target navigated or closed",
}

// ClassifyError maps a backend failure onto the transient DOM faults.
// Cancellation of ctx is returned as is.
func ClassifyError(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", op, ErrTimeout)
		}
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	msg := err.Error()
	for _, marker := range staleMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%s: %v: %w", op, err, ErrStaleElement)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
