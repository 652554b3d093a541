// internal/faults/handlers.go
package faults

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pageflow/internal/browser"
	"github.com/xkilldash9x/pageflow/internal/config"
	"github.com/xkilldash9x/pageflow/internal/humanoid"
)

// DefaultChain builds the standard chain: stale reference, not found,
// timeout, then verification.
func DefaultChain(cfg config.ActionConfig, logger *zap.Logger) *Chain {
	return NewChain(logger,
		StaleHandler(cfg.LoadingSettle),
		NotFoundHandler(cfg.NotFoundBackoff),
		TimeoutHandler(),
		VerificationHandler(),
	)
}

type pageSnapshot struct {
	url   string
	title string
}

func readSnapshot(ctx context.Context, s browser.Session) (pageSnapshot, error) {
	url, err := s.URL(ctx)
	if err != nil {
		return pageSnapshot{}, err
	}
	title, err := s.Title(ctx)
	if err != nil {
		return pageSnapshot{}, err
	}
	return pageSnapshot{url: url, title: title}, nil
}

// StaleHandler classifies detached element references. The first fault of an
// action snapshots url and title; later faults compare against it. A changed
// page, or one still loading after settle, is Adapt.
func StaleHandler(settle time.Duration) Handler {
	var snap *pageSnapshot

	return Handler{
		Name:      "stale_reference",
		CanHandle: func(err error) bool { return errors.Is(err, browser.ErrStaleElement) },
		Classify: func(ctx context.Context, fc *Context) Strategy {
			current, err := readSnapshot(ctx, fc.Session)
			if err != nil {
				return Adapt
			}
			if snap == nil || fc.Attempt <= 1 {
				snap = &current
			}
			if current != *snap {
				return Adapt
			}

			loading, err := stillLoading(ctx, fc.Session)
			if err != nil {
				return Adapt
			}
			if loading {
				if humanoid.Sleep(ctx, settle) != nil {
					return Adapt
				}
				if loading, err = stillLoading(ctx, fc.Session); err != nil || loading {
					return Adapt
				}
				// Settled; the url may have moved while it loaded.
				if after, err := readSnapshot(ctx, fc.Session); err != nil || after != *snap {
					return Adapt
				}
			}

			if fc.AttemptsRemain() {
				return Retry
			}
			return Fail
		},
	}
}

func stillLoading(ctx context.Context, s browser.Session) (bool, error) {
	state, err := s.ReadyState(ctx)
	if err != nil {
		return false, err
	}
	return state != browser.ReadyStateComplete, nil
}

// NotFoundHandler waits backoff and retries while attempts remain. Once
// exhausted it assumes the page moved on.
func NotFoundHandler(backoff time.Duration) Handler {
	return Handler{
		Name:      "not_found",
		CanHandle: func(err error) bool { return errors.Is(err, browser.ErrNoSuchElement) },
		Classify: func(ctx context.Context, fc *Context) Strategy {
			if !fc.AttemptsRemain() {
				return Adapt
			}
			if humanoid.Sleep(ctx, backoff) != nil {
				return Adapt
			}
			return Retry
		},
	}
}

// TimeoutHandler retries bounded waits while attempts remain, then adapts.
func TimeoutHandler() Handler {
	return Handler{
		Name: "timeout",
		CanHandle: func(err error) bool {
			return errors.Is(err, browser.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
		},
		Classify: func(_ context.Context, fc *Context) Strategy {
			if fc.AttemptsRemain() {
				return Retry
			}
			return Adapt
		},
	}
}

// VerificationHandler retries failed verifications while attempts remain.
func VerificationHandler() Handler {
	return Handler{
		Name:      "verification",
		CanHandle: func(err error) bool { return errors.Is(err, ErrVerificationFailed) },
		Classify: func(_ context.Context, fc *Context) Strategy {
			if fc.AttemptsRemain() {
				return Retry
			}
			return Fail
		},
	}
}
