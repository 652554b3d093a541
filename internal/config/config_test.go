// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, BackendChromedp, cfg.Browser().Backend)
	assert.Equal(t, 10*time.Second, cfg.Browser().ElementTimeout)

	det := cfg.Engine().Detector
	assert.Equal(t, 0.8, det.HighConfidence)
	assert.Equal(t, 0.7, det.ExpectedThreshold)
	assert.Equal(t, 0.6, det.ExhaustiveThreshold)

	orch := cfg.Engine().Orchestrator
	assert.Equal(t, 10, orch.MaxFallbackRetries)
	assert.Equal(t, 1500*time.Millisecond, orch.PollMin)
	assert.Equal(t, 3*time.Second, orch.PollMax)
	assert.Equal(t, 30*time.Second, orch.TransitionTimeout)
	assert.Equal(t, 60*time.Second, orch.SkipWaitTimeout)

	act := cfg.Engine().Action
	assert.Equal(t, 3, act.DefaultMaxRetries)
	assert.Equal(t, 500*time.Millisecond, act.DelaySlice)

	assert.True(t, cfg.Humanoid().Enabled)
	assert.Equal(t, "", cfg.Store().Driver)

	assert.NoError(t, cfg.Validate(), "defaults must validate")
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Core Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		require.NoError(t, cfg.Validate())

		badBackend := *cfg
		badBackend.BrowserCfg.Backend = "selenium"
		err := badBackend.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "browser.backend")

		badDriver := *cfg
		badDriver.StoreCfg.Driver = "mysql"
		err = badDriver.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store.driver")

		missingDSN := *cfg
		missingDSN.StoreCfg.Driver = DriverPostgres
		err = missingDSN.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store.dsn is required")
	})

	t.Run("Detector Validation", func(t *testing.T) {
		d := DetectorConfig{HighConfidence: 0.8, ExpectedThreshold: 0.7, ExhaustiveThreshold: 0.6}
		assert.NoError(t, d.Validate())

		d.ExpectedThreshold = 1.2
		err := d.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected_threshold must be within [0,1]")
	})

	t.Run("Orchestrator Validation", func(t *testing.T) {
		o := NewDefaultConfig().Engine().Orchestrator
		assert.NoError(t, o.Validate())

		inverted := o
		inverted.PollMin = 5 * time.Second
		err := inverted.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "poll_min")

		noRetries := o
		noRetries.MaxFallbackRetries = 0
		err = noRetries.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_fallback_retries must be a positive integer")
	})

	t.Run("Humanoid Validation", func(t *testing.T) {
		h := NewDefaultConfig().Humanoid()
		assert.NoError(t, h.Validate())

		h.NgramFactor = 0
		err := h.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ngram_factor")
	})
}

// -- Factory Function Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Successful Load from YAML", func(t *testing.T) {
		yamlBytes := []byte(`
browser:
  backend: rod
  headless: true
engine:
  orchestrator:
    transition_timeout: 45s
    max_fallback_retries: 4
  action:
    delay_slice: 250ms
`)
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlBytes)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, BackendRod, cfg.Browser().Backend)
		assert.True(t, cfg.Browser().Headless)
		assert.Equal(t, 45*time.Second, cfg.Engine().Orchestrator.TransitionTimeout)
		assert.Equal(t, 4, cfg.Engine().Orchestrator.MaxFallbackRetries)
		assert.Equal(t, 250*time.Millisecond, cfg.Engine().Action.DelaySlice)
		// Untouched keys keep their defaults.
		assert.Equal(t, "info", cfg.Logger().Level)
	})

	t.Run("Validation Failure", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("engine.detector.high_confidence", 1.5)

		cfg, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid configuration")
		assert.Contains(t, err.Error(), "high_confidence")
	})

	t.Run("Environment Variable Binding", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("store.driver", DriverPostgres)

		yamlConfig := []byte(`
store:
  dsn: "postgres://configfile/db"
`)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlConfig)))

		t.Setenv("PAGEFLOW_STORE_DSN", "postgres://envvar/db")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "postgres://envvar/db", cfg.Store().DSN)
	})
}

func TestSetters(t *testing.T) {
	cfg := NewDefaultConfig()
	var iface Interface = cfg

	iface.SetBrowserHeadless(true)
	iface.SetBrowserBackend(BackendRod)
	iface.SetBrowserStartURL("https://example.test/")
	iface.SetControlPanel(true)
	iface.SetControlHTTPAddr("127.0.0.1:8089")

	assert.True(t, cfg.Browser().Headless)
	assert.Equal(t, BackendRod, cfg.Browser().Backend)
	assert.Equal(t, "https://example.test/", cfg.Browser().StartURL)
	assert.True(t, cfg.Control().Panel)
	assert.Equal(t, "127.0.0.1:8089", cfg.Control().HTTPAddr)
}
