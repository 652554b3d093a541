// internal/humanoid/humanoid.go
package humanoid

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/pageflow/internal/browser"
	"github.com/xkilldash9x/pageflow/internal/config"
)

// -- commonNgrams contains letter combinations typed with a faster rhythm --
var commonNgrams = map[string]bool{
	"th": true, "he": true, "in": true, "er": true, "an": true, "re": true,
	"es": true, "on": true, "st": true, "nt": true,
	"the": true, "and": true, "ing": true, "ion": true, "tio": true,
}

// Humanoid paces input the way a person would: a normally distributed
// inter-key delay with a faster rhythm inside common n-grams, and randomized
// pauses around clicks and focus changes. Text is always typed exactly; no
// typos are simulated.
type Humanoid struct {
	cfg config.HumanoidConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a Humanoid seeded from the clock.
func New(cfg config.HumanoidConfig) *Humanoid {
	return NewWithSeed(cfg, time.Now().UnixNano())
}

// NewWithSeed creates a Humanoid with a deterministic random source.
func NewWithSeed(cfg config.HumanoidConfig, seed int64) *Humanoid {
	return &Humanoid{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Disabled returns a Humanoid that never pauses and types in one burst.
func Disabled() *Humanoid {
	return NewWithSeed(config.HumanoidConfig{Enabled: false}, 1)
}

// Enabled reports whether human pacing is active.
func (h *Humanoid) Enabled() bool { return h.cfg.Enabled }

// Type writes text into selector. When pacing is enabled each rune is sent
// separately, preceded by an inter-key delay; otherwise the text is sent at once.
func (h *Humanoid) Type(ctx context.Context, s browser.Session, selector, text string) error {
	if !h.cfg.Enabled {
		return s.SendKeys(ctx, selector, text)
	}
	runes := []rune(text)
	for i := range runes {
		if err := Sleep(ctx, h.KeyDelay(runes, i)); err != nil {
			return err
		}
		if err := s.SendKeys(ctx, selector, string(runes[i])); err != nil {
			return fmt.Errorf("humanoid: failed to send key '%c': %w", runes[i], err)
		}
	}
	return nil
}

// KeyDelay returns the pause before typing runes[i]. It is drawn from the
// configured normal distribution, scaled inside common n-grams, and clamped
// to [KeyPauseMin, KeyPauseMax].
func (h *Humanoid) KeyDelay(runes []rune, i int) time.Duration {
	if !h.cfg.Enabled {
		return 0
	}
	h.mu.Lock()
	randNorm := h.rng.NormFloat64()
	h.mu.Unlock()

	mean := float64(h.cfg.KeyPauseMean)
	stdDev := float64(h.cfg.KeyPauseStdDev)
	if isNgram(runes, i) {
		mean *= h.cfg.NgramFactor
	}
	delay := randNorm*stdDev + mean
	delay = math.Max(float64(h.cfg.KeyPauseMin), math.Min(float64(h.cfg.KeyPauseMax), delay))
	return time.Duration(delay)
}

// isNgram reports whether runes[i] completes a common digraph or trigraph.
func isNgram(runes []rune, i int) bool {
	if i >= 2 && commonNgrams[strings.ToLower(string(runes[i-2:i+1]))] {
		return true
	}
	return i >= 1 && commonNgrams[strings.ToLower(string(runes[i-1:i+1]))]
}

// ClickPause waits a uniformly random interval before a click.
func (h *Humanoid) ClickPause(ctx context.Context) error {
	if !h.cfg.Enabled {
		return ctx.Err()
	}
	return Sleep(ctx, h.between(h.cfg.ClickPauseMin, h.cfg.ClickPauseMax))
}

// PostFocusPause waits after focusing a field, before typing.
func (h *Humanoid) PostFocusPause(ctx context.Context) error {
	if !h.cfg.Enabled {
		return ctx.Err()
	}
	return Sleep(ctx, h.cfg.PostFocusPause)
}

func (h *Humanoid) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return lo + time.Duration(h.rng.Int63n(int64(hi-lo)))
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Between returns a uniformly random duration in [lo, hi) from rng.
func Between(rng *rand.Rand, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rng.Int63n(int64(hi-lo)))
}
