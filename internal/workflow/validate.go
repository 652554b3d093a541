// internal/workflow/validate.go
package workflow

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidSpec wraps every validation failure.
var ErrInvalidSpec = errors.New("invalid workflow specification")

// Validate reports every problem found in the spec, joined into one error.
func (s *Spec) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(s.Pages) == 0 {
		add("workflow declares no pages")
	}

	seen := make(map[string]bool, len(s.Pages))
	for i := range s.Pages {
		p := &s.Pages[i]
		if p.ID == "" {
			add("pages[%d]: id is required", i)
			continue
		}
		if p.ID == UnknownPageID {
			add("pages[%d]: id %q is reserved", i, UnknownPageID)
		}
		if seen[p.ID] {
			add("pages[%d]: duplicate page id %q", i, p.ID)
		}
		seen[p.ID] = true

		if p.PrimaryIdentifier.Pattern == "" {
			add("page %s: primary_identifier.pattern is required", p.ID)
		}
		for j, id := range p.Identifiers() {
			errs = append(errs, validateIdentifier(fmt.Sprintf("page %s: identifier %d", p.ID, j), id)...)
		}
		for j, a := range p.Actions {
			errs = append(errs, validateAction(fmt.Sprintf("page %s: actions[%d]", p.ID, j), a)...)
		}
	}

	for i := range s.Pages {
		for _, next := range s.Pages[i].NextPages {
			if !seen[next] {
				add("page %s: next_pages references undeclared page %q", s.Pages[i].ID, next)
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidSpec, errors.Join(errs...))
}

func validateIdentifier(where string, id Identifier) []error {
	var errs []error
	if id.Kind != IdentifyByURL && id.Kind != IdentifyByTitle {
		errs = append(errs, fmt.Errorf("%s: type must be url or title, got %q", where, id.Kind))
	}
	if id.Confidence < 0 || id.Confidence > 1 {
		errs = append(errs, fmt.Errorf("%s: confidence %v outside [0,1]", where, id.Confidence))
	}
	if _, err := regexp.Compile(id.Pattern); err != nil {
		errs = append(errs, fmt.Errorf("%s: pattern does not compile: %w", where, err))
	}
	return errs
}

func validateAction(where string, a Action) []error {
	var errs []error
	where = fmt.Sprintf("%s (%s)", where, a.Kind())
	need := func(field, value string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s: %s is required", where, field))
		}
	}
	oneOf := func(field, value string, allowed ...string) {
		for _, v := range allowed {
			if value == v {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: %s must be one of %s, got %q", where, field, strings.Join(allowed, "|"), value))
	}
	children := func(field string, list ActionList) {
		for i, c := range list {
			errs = append(errs, validateAction(fmt.Sprintf("%s.%s[%d]", where, field, i), c)...)
		}
	}

	if a.Meta().MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("%s: max_retries must not be negative", where))
	}

	switch v := a.(type) {
	case Input:
		need("selector", v.Selector)
		oneOf("typing", v.Typing, TypingHuman, TypingInstant)
	case Click:
		need("selector", v.Selector)
	case Delay:
		if v.Duration < 0 {
			errs = append(errs, fmt.Errorf("%s: duration must not be negative", where))
		}
	case Select:
		need("selector", v.Selector)
		oneOf("by", v.By, "text", "value", "index")
	case Check:
		need("selector", v.Selector)
	case WaitForElement:
		need("selector", v.Selector)
		oneOf("condition", v.Condition, "visible", "clickable", "present", "absent", "invisible")
	case KeyPress:
		if len(v.Keys) == 0 {
			errs = append(errs, fmt.Errorf("%s: keys is required", where))
		}
	case Scroll:
		oneOf("direction", v.Direction, ScrollUp, ScrollDown, ScrollTop, ScrollBottom, ScrollToElement)
		if v.Direction == ScrollToElement {
			need("selector", v.Selector)
		}
	case Hover:
		need("selector", v.Selector)
	case SwitchWindow:
		if v.Handle == "" && v.Index < 0 {
			errs = append(errs, fmt.Errorf("%s: index must not be negative", where))
		}
	case UploadFile:
		need("selector", v.Selector)
		need("path", v.Path)
	case ExtractText:
		need("selector", v.Selector)
		need("variable", v.Variable)
	case VerifyElement:
		need("selector", v.Selector)
		oneOf("on_failure", v.OnFailure, OnFailureAbort, OnFailureRetry, OnFailureSkip)
	case MultiSelectorClick:
		if len(v.Selectors) == 0 {
			errs = append(errs, fmt.Errorf("%s: selectors is required", where))
		}
	case Sequence:
		children("actions", v.Actions)
	case Conditional:
		if v.Condition.Normalized().Type == ProbeURLChanged {
			errs = append(errs, fmt.Errorf("%s.condition: %s is only valid as a retry success_condition", where, ProbeURLChanged))
		} else {
			errs = append(errs, validateProbe(where+".condition", v.Condition)...)
		}
		children("if_true", v.IfTrue)
		children("if_false", v.IfFalse)
	case Retry:
		if v.MaxAttempts <= 0 {
			errs = append(errs, fmt.Errorf("%s: max_attempts must be positive", where))
		}
		if v.SuccessCondition != nil {
			errs = append(errs, validateProbe(where+".success_condition", *v.SuccessCondition)...)
		}
		children("actions", v.Actions)
	case Callback:
		need("name", v.Name)
		if v.RetryCount < 0 {
			errs = append(errs, fmt.Errorf("%s: retry_count must not be negative", where))
		}
	default:
		errs = append(errs, fmt.Errorf("%s: unsupported action kind", where))
	}
	return errs
}

func validateProbe(where string, p Probe) []error {
	p = p.Normalized()
	switch p.Type {
	case ProbeElementExists, ProbeElementVisible, ProbeElementAbsent:
		if p.Selector == "" {
			return []error{fmt.Errorf("%s: selector is required for %s", where, p.Type)}
		}
	case ProbeTextContains, ProbeURLContains:
		if p.Text == "" {
			return []error{fmt.Errorf("%s: text is required for %s", where, p.Type)}
		}
	case ProbeURLChanged:
	default:
		return []error{fmt.Errorf("%s: unknown probe type %q", where, p.Type)}
	}
	return nil
}
