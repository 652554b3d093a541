// internal/control/surface.go
// Package control is the operator channel into a running workflow: a pause
// gate the engine blocks on at every checkpoint and a one-shot skip flag.
package control

import (
	"context"
	"sync"
	"sync/atomic"
)

// State is a point-in-time view of the surface.
type State struct {
	Paused      bool `json:"paused"`
	SkipPending bool `json:"skip_pending"`
}

// Surface is safe for concurrent use. The engine calls Wait and TakeSkip;
// panels and HTTP handlers call the rest.
type Surface struct {
	mu     sync.Mutex
	gate   chan struct{} // closed while running
	paused bool
	subs   map[chan State]struct{}

	skip atomic.Bool
}

// New creates an open surface.
func New() *Surface {
	gate := make(chan struct{})
	close(gate)
	return &Surface{gate: gate, subs: make(map[chan State]struct{})}
}

// Pause closes the gate. It is a no-op when already paused.
func (s *Surface) Pause() {
	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = true
	s.gate = make(chan struct{})
	s.mu.Unlock()
	s.notify()
}

// Resume opens the gate and releases every waiter.
func (s *Surface) Resume() {
	s.mu.Lock()
	if !s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = false
	close(s.gate)
	s.mu.Unlock()
	s.notify()
}

// Toggle flips the gate and reports whether it is now paused.
func (s *Surface) Toggle() bool {
	if s.Paused() {
		s.Resume()
		return false
	}
	s.Pause()
	return true
}

func (s *Surface) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Wait blocks while the gate is closed.
func (s *Surface) Wait(ctx context.Context) error {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	select {
	case <-gate:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestSkip asks the engine to leave the current page at its next checkpoint.
func (s *Surface) RequestSkip() {
	if !s.skip.Swap(true) {
		s.notify()
	}
}

// TakeSkip consumes a pending skip request.
func (s *Surface) TakeSkip() bool {
	if s.skip.Swap(false) {
		s.notify()
		return true
	}
	return false
}

func (s *Surface) SkipPending() bool { return s.skip.Load() }

// State returns the current state.
func (s *Surface) State() State {
	return State{Paused: s.Paused(), SkipPending: s.SkipPending()}
}

// Subscribe returns a channel receiving the state after every change, and a
// function that ends the subscription. Slow subscribers miss intermediate
// states rather than blocking the surface.
func (s *Surface) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Surface) notify() {
	st := s.State()
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- st:
		default:
			// Replace the stale pending value with the latest one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}
