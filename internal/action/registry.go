// internal/action/registry.go
package action

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pageflow/internal/browser"
	"github.com/xkilldash9x/pageflow/internal/workflow"
)

// PageContext is what a callback learns about the page it runs on.
type PageContext struct {
	PageID string
	URL    string
	Title  string
	Vars   *Variables
	// Lookup resolves a variable the same way {name} placeholders are.
	Lookup func(name string) (string, bool)
}

// Callback decides at runtime which actions to run on the current page.
type Callback func(ctx context.Context, s browser.Session, pc PageContext) ([]workflow.Action, error)

// Registry maps callback names to functions. It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]Callback
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]Callback)}
}

// Register adds fn under name. Names are unique.
func (r *Registry) Register(name string, fn Callback) error {
	if name == "" || fn == nil {
		return fmt.Errorf("callback registration requires a name and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.fns[name]; exists {
		return fmt.Errorf("callback %q is already registered", name)
	}
	r.fns[name] = fn
	return nil
}

func (r *Registry) Lookup(name string) (Callback, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[name]
	return fn, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.fns))
	for n := range r.fns {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Built-in callback names.
const (
	CallbackFirstVisibleClick = "first_visible_click"
	CallbackLogPage           = "log_page"
)

// RegisterBuiltins adds the callbacks shipped with the engine.
func RegisterBuiltins(r *Registry, logger *zap.Logger) error {
	if err := r.Register(CallbackFirstVisibleClick, FirstVisibleClick); err != nil {
		return err
	}
	return r.Register(CallbackLogPage, LogPage(logger))
}

// FirstVisibleClick clicks the first visible element among the comma
// separated selectors in the "candidates" variable.
func FirstVisibleClick(ctx context.Context, s browser.Session, pc PageContext) ([]workflow.Action, error) {
	raw, ok := "", false
	if pc.Lookup != nil {
		raw, ok = pc.Lookup("candidates")
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%s: variable \"candidates\" is not set", CallbackFirstVisibleClick)
	}
	var selectors []string
	for _, sel := range strings.Split(raw, ",") {
		if sel = strings.TrimSpace(sel); sel != "" {
			selectors = append(selectors, sel)
		}
	}
	for _, sel := range selectors {
		st, err := s.Query(ctx, sel)
		if err == nil && st.Visible {
			return []workflow.Action{workflow.Click{Selector: sel}}, nil
		}
	}
	return nil, fmt.Errorf("%s: none of %d candidates is visible: %w", CallbackFirstVisibleClick, len(selectors), browser.ErrNoSuchElement)
}

// LogPage logs the page it runs on and returns no actions.
func LogPage(logger *zap.Logger) Callback {
	logger = logger.Named("callback")
	return func(_ context.Context, _ browser.Session, pc PageContext) ([]workflow.Action, error) {
		fields := []zap.Field{
			zap.String("page_id", pc.PageID),
			zap.String("url", pc.URL),
			zap.String("title", pc.Title),
		}
		if pc.Vars != nil {
			fields = append(fields, zap.Strings("variables", pc.Vars.Names()))
		}
		logger.Info("Page reached.", fields...)
		return nil, nil
	}
}
