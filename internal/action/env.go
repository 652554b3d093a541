// internal/action/env.go
package action

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/xkilldash9x/pageflow/internal/browser"
	"github.com/xkilldash9x/pageflow/internal/decisionlog"
)

// Result is the outcome of executing one action.
type Result int

const (
	Success Result = iota
	Failed
	// Interrupted means the page diverged from what the caller assumed. It is
	// not an error and the call site that produced it never retries it.
	Interrupted
	Timeout
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Failed:
		return "failed"
	case Interrupted:
		return "interrupted"
	case Timeout:
		return "timeout"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// Resolver supplies values for {name} placeholders.
type Resolver interface {
	Resolve(name string) (string, bool)
}

// MapResolver resolves from a fixed map.
type MapResolver map[string]string

func (m MapResolver) Resolve(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

// Variables is the run-scoped variable store written by ExtractText and
// callbacks. It is safe for concurrent use.
type Variables struct {
	mu   sync.RWMutex
	vals map[string]string
}

// NewVariables creates an empty store.
func NewVariables() *Variables {
	return &Variables{vals: make(map[string]string)}
}

func (v *Variables) Get(name string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.vals[name]
	return val, ok
}

func (v *Variables) Set(name, value string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vals[name] = value
}

// Names returns the stored names in sorted order.
func (v *Variables) Names() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	names := make([]string, 0, len(v.vals))
	for k := range v.vals {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Env is everything an action needs besides its own parameters.
type Env struct {
	Session  browser.Session
	PageID   string
	Resolver Resolver
	Vars     *Variables
	// Checkpoint is consulted between delay slices and retry waits. It
	// returns false when execution must stop with Interrupted.
	Checkpoint func(ctx context.Context) bool
	Recorder   decisionlog.Recorder

	// scopes holds sequence variables, innermost last.
	scopes []map[string]string
}

// withScope returns a copy of env with vars pushed as the innermost scope.
func (e *Env) withScope(vars map[string]string) *Env {
	if len(vars) == 0 {
		return e
	}
	cp := *e
	cp.scopes = append(append([]map[string]string(nil), e.scopes...), vars)
	return &cp
}

func (e *Env) checkpoint(ctx context.Context) bool {
	if e.Checkpoint == nil {
		return ctx.Err() == nil
	}
	return e.Checkpoint(ctx)
}

func (e *Env) record(ctx context.Context, entry decisionlog.Entry) {
	if e.Recorder != nil {
		entry.PageID = e.PageID
		e.Recorder.Record(ctx, entry)
	}
}

// Lookup resolves name through sequence scopes, the run store, then the
// external resolver.
func (e *Env) Lookup(name string) (string, bool) {
	for i := len(e.scopes) - 1; i >= 0; i-- {
		if v, ok := e.scopes[i][name]; ok {
			return v, true
		}
	}
	if e.Vars != nil {
		if v, ok := e.Vars.Get(name); ok {
			return v, true
		}
	}
	if e.Resolver != nil {
		return e.Resolver.Resolve(name)
	}
	return "", false
}

var placeholder = regexp.MustCompile(`^\{([A-Za-z0-9_.\-]+)\}$`)

// Resolve substitutes a whole-value {name} placeholder. Unknown names render
// as {missing_name} rather than failing. Other values pass through unchanged.
func (e *Env) Resolve(value string) string {
	m := placeholder.FindStringSubmatch(value)
	if m == nil {
		return value
	}
	if v, ok := e.Lookup(m[1]); ok {
		return v
	}
	return "{missing_" + m[1] + "}"
}
