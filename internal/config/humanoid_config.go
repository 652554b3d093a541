// File: internal/config/humanoid_config.go
// HumanoidConfig holds the tunables of the human-like input model: the
// inter-key delay distribution used when typing, and the randomized pauses
// taken before clicks and after focusing a field.
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// HumanoidConfig parameterizes typing cadence and interaction pauses.
type HumanoidConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Inter-key delay (IKD), drawn from a normal distribution and clamped.
	KeyPauseMean   time.Duration `mapstructure:"key_pause_mean" yaml:"key_pause_mean"`
	KeyPauseStdDev time.Duration `mapstructure:"key_pause_stddev" yaml:"key_pause_stddev"`
	KeyPauseMin    time.Duration `mapstructure:"key_pause_min" yaml:"key_pause_min"`
	KeyPauseMax    time.Duration `mapstructure:"key_pause_max" yaml:"key_pause_max"`
	// NgramFactor scales the delay inside common letter pairs and triples.
	NgramFactor float64 `mapstructure:"ngram_factor" yaml:"ngram_factor"`

	ClickPauseMin  time.Duration `mapstructure:"click_pause_min" yaml:"click_pause_min"`
	ClickPauseMax  time.Duration `mapstructure:"click_pause_max" yaml:"click_pause_max"`
	PostFocusPause time.Duration `mapstructure:"post_focus_pause" yaml:"post_focus_pause"`
}

func setHumanoidDefaults(v *viper.Viper) {
	v.SetDefault("humanoid.enabled", true)
	v.SetDefault("humanoid.key_pause_mean", "95ms")
	v.SetDefault("humanoid.key_pause_stddev", "30ms")
	v.SetDefault("humanoid.key_pause_min", "50ms")
	v.SetDefault("humanoid.key_pause_max", "150ms")
	v.SetDefault("humanoid.ngram_factor", 0.75)
	v.SetDefault("humanoid.click_pause_min", "500ms")
	v.SetDefault("humanoid.click_pause_max", "1s")
	v.SetDefault("humanoid.post_focus_pause", "200ms")
}

// Validate checks the delay ranges.
func (h *HumanoidConfig) Validate() error {
	if err := validateRange("key_pause", h.KeyPauseMin, h.KeyPauseMax); err != nil {
		return err
	}
	if err := validateRange("click_pause", h.ClickPauseMin, h.ClickPauseMax); err != nil {
		return err
	}
	if h.KeyPauseStdDev < 0 || h.PostFocusPause < 0 {
		return errors.New("key_pause_stddev and post_focus_pause must not be negative")
	}
	if h.NgramFactor <= 0 || h.NgramFactor > 1 {
		return errors.New("ngram_factor must be within (0,1]")
	}
	return nil
}
