// internal/faults/faults.go
// Package faults classifies transient browser faults into recovery strategies
// through an ordered chain of handlers.
package faults

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pageflow/internal/browser"
	"github.com/xkilldash9x/pageflow/internal/workflow"
)

// ErrVerificationFailed is raised by element verification with the retry policy.
var ErrVerificationFailed = errors.New("element verification failed")

// Strategy is the classification a handler assigns to a fault.
type Strategy int

const (
	// Retry runs the same action again.
	Retry Strategy = iota
	// Adapt stops the action and reports an interruption so the caller
	// re-evaluates the page.
	Adapt
	// Fail stops the action with a failure.
	Fail
)

func (s Strategy) String() string {
	switch s {
	case Retry:
		return "retry"
	case Adapt:
		return "adapt"
	case Fail:
		return "fail"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// Context describes one caught fault. It lives only for the classification.
type Context struct {
	Err         error
	ActionKind  workflow.Kind
	Selector    string
	Attempt     int // 1-based
	MaxAttempts int
	Session     browser.Session
}

// AttemptsRemain reports whether another attempt is allowed.
func (c *Context) AttemptsRemain() bool {
	return c.Attempt < c.MaxAttempts
}

// Handler is one link of the chain.
type Handler struct {
	Name      string
	CanHandle func(err error) bool
	Classify  func(ctx context.Context, fc *Context) Strategy
}

// Chain evaluates handlers in order. Chains may carry per-action state
// (see StaleHandler) and are therefore built for each action execution.
type Chain struct {
	handlers []Handler
	logger   *zap.Logger
}

// NewChain creates a chain from handlers in priority order.
func NewChain(logger *zap.Logger, handlers ...Handler) *Chain {
	return &Chain{handlers: handlers, logger: logger.Named("faults")}
}

// Prepend puts h ahead of every existing handler.
func (c *Chain) Prepend(h Handler) {
	c.handlers = append([]Handler{h}, c.handlers...)
}

// Len returns the number of handlers.
func (c *Chain) Len() int { return len(c.handlers) }

// Handle returns the classification of the first handler accepting the
// fault, together with that handler's name. A fault no handler accepts is
// classified Fail with an empty name.
func (c *Chain) Handle(ctx context.Context, fc *Context) (Strategy, string) {
	for _, h := range c.handlers {
		if !h.CanHandle(fc.Err) {
			continue
		}
		s := h.Classify(ctx, fc)
		c.logger.Debug("Fault classified.",
			zap.String("handler", h.Name),
			zap.String("strategy", s.String()),
			zap.String("action", string(fc.ActionKind)),
			zap.String("selector", fc.Selector),
			zap.Int("attempt", fc.Attempt),
			zap.Int("max_attempts", fc.MaxAttempts),
			zap.Error(fc.Err))
		return s, h.Name
	}
	c.logger.Warn("No handler accepts fault, failing.",
		zap.String("action", string(fc.ActionKind)),
		zap.String("selector", fc.Selector),
		zap.Error(fc.Err))
	return Fail, ""
}
