// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Engine() EngineConfig
	Humanoid() HumanoidConfig
	Control() ControlConfig
	Store() StoreConfig

	SetBrowserHeadless(bool)
	SetBrowserBackend(string)
	SetBrowserStartURL(string)
	SetControlPanel(bool)
	SetControlHTTPAddr(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	BrowserCfg  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	EngineCfg   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	HumanoidCfg HumanoidConfig `mapstructure:"humanoid" yaml:"humanoid"`
	ControlCfg  ControlConfig  `mapstructure:"control" yaml:"control"`
	StoreCfg    StoreConfig    `mapstructure:"store" yaml:"store"`
}

var _ Interface = (*Config)(nil)

// --- Getters ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig   { return c.BrowserCfg }
func (c *Config) Engine() EngineConfig     { return c.EngineCfg }
func (c *Config) Humanoid() HumanoidConfig { return c.HumanoidCfg }
func (c *Config) Control() ControlConfig   { return c.ControlCfg }
func (c *Config) Store() StoreConfig       { return c.StoreCfg }

// --- Setters (CLI flag overrides) ---

func (c *Config) SetBrowserHeadless(b bool)      { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserBackend(s string)     { c.BrowserCfg.Backend = s }
func (c *Config) SetBrowserStartURL(s string)    { c.BrowserCfg.StartURL = s }
func (c *Config) SetControlPanel(b bool)         { c.ControlCfg.Panel = b }
func (c *Config) SetControlHTTPAddr(addr string) { c.ControlCfg.HTTPAddr = addr }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// Browser backends.
const (
	BackendChromedp = "chromedp"
	BackendRod      = "rod"
)

// BrowserConfig holds settings for the browser session the engine drives.
type BrowserConfig struct {
	Backend        string        `mapstructure:"backend" yaml:"backend"`
	Headless       bool          `mapstructure:"headless" yaml:"headless"`
	StartURL       string        `mapstructure:"start_url" yaml:"start_url"`
	UserDataDir    string        `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	WindowWidth    int           `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight   int           `mapstructure:"window_height" yaml:"window_height"`
	Stealth        bool          `mapstructure:"stealth" yaml:"stealth"`
	Args           []string      `mapstructure:"args" yaml:"args"`
	ElementTimeout time.Duration `mapstructure:"element_timeout" yaml:"element_timeout"`
}

// EngineConfig groups the tunables of the workflow engine.
type EngineConfig struct {
	Detector     DetectorConfig     `mapstructure:"detector" yaml:"detector"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	Action       ActionConfig       `mapstructure:"action" yaml:"action"`
}

// DetectorConfig holds the confidence thresholds used by page identification.
type DetectorConfig struct {
	// HighConfidence short-circuits identification on a URL match.
	HighConfidence float64 `mapstructure:"high_confidence" yaml:"high_confidence"`
	// ExpectedThreshold accepts a match of the expected page during fallback.
	ExpectedThreshold float64 `mapstructure:"expected_threshold" yaml:"expected_threshold"`
	// ExhaustiveThreshold accepts the best candidate of the exhaustive pass.
	ExhaustiveThreshold float64 `mapstructure:"exhaustive_threshold" yaml:"exhaustive_threshold"`
}

// OrchestratorConfig bounds every wait of the main loop.
type OrchestratorConfig struct {
	MaxFallbackRetries          int           `mapstructure:"max_fallback_retries" yaml:"max_fallback_retries"`
	RetryWaitMin                time.Duration `mapstructure:"retry_wait_min" yaml:"retry_wait_min"`
	RetryWaitMax                time.Duration `mapstructure:"retry_wait_max" yaml:"retry_wait_max"`
	TransitionTimeout           time.Duration `mapstructure:"transition_timeout" yaml:"transition_timeout"`
	PollMin                     time.Duration `mapstructure:"poll_min" yaml:"poll_min"`
	PollMax                     time.Duration `mapstructure:"poll_max" yaml:"poll_max"`
	SettleDelay                 time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	SkipWaitTimeout             time.Duration `mapstructure:"skip_wait_timeout" yaml:"skip_wait_timeout"`
	MaxConsecutiveInterruptions int           `mapstructure:"max_consecutive_interruptions" yaml:"max_consecutive_interruptions"`
	FailOnTransitionTimeout     bool          `mapstructure:"fail_on_transition_timeout" yaml:"fail_on_transition_timeout"`
}

// ActionConfig holds the defaults applied to actions that do not set their own.
type ActionConfig struct {
	DefaultMaxRetries  int           `mapstructure:"default_max_retries" yaml:"default_max_retries"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	DelaySlice         time.Duration `mapstructure:"delay_slice" yaml:"delay_slice"`
	WaitTimeout        time.Duration `mapstructure:"wait_timeout" yaml:"wait_timeout"`
	ElementTimeout     time.Duration `mapstructure:"element_timeout" yaml:"element_timeout"`
	CallbackRetryDelay time.Duration `mapstructure:"callback_retry_delay" yaml:"callback_retry_delay"`
	CallbackTimeout    time.Duration `mapstructure:"callback_timeout" yaml:"callback_timeout"`
	NotFoundBackoff    time.Duration `mapstructure:"not_found_backoff" yaml:"not_found_backoff"`
	LoadingSettle      time.Duration `mapstructure:"loading_settle" yaml:"loading_settle"`
}

// ControlConfig enables the operator control surfaces.
type ControlConfig struct {
	Panel    bool   `mapstructure:"panel" yaml:"panel"`
	HTTPAddr string `mapstructure:"http_addr" yaml:"http_addr"`
}

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// StoreConfig selects where the decision log is persisted. An empty driver disables persistence.
type StoreConfig struct {
	Driver     string `mapstructure:"driver" yaml:"driver"`
	DSN        string `mapstructure:"dsn" yaml:"dsn"`
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

// NewDefaultConfig creates a configuration populated with all default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults registers every default value with viper.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "pageflow")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 7)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.backend", BackendChromedp)
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.start_url", "")
	v.SetDefault("browser.user_data_dir", "")
	v.SetDefault("browser.window_width", 1366)
	v.SetDefault("browser.window_height", 900)
	v.SetDefault("browser.stealth", true)
	v.SetDefault("browser.element_timeout", "10s")

	// -- Engine: detector --
	v.SetDefault("engine.detector.high_confidence", 0.8)
	v.SetDefault("engine.detector.expected_threshold", 0.7)
	v.SetDefault("engine.detector.exhaustive_threshold", 0.6)

	// -- Engine: orchestrator --
	v.SetDefault("engine.orchestrator.max_fallback_retries", 10)
	v.SetDefault("engine.orchestrator.retry_wait_min", "1500ms")
	v.SetDefault("engine.orchestrator.retry_wait_max", "3s")
	v.SetDefault("engine.orchestrator.transition_timeout", "30s")
	v.SetDefault("engine.orchestrator.poll_min", "1500ms")
	v.SetDefault("engine.orchestrator.poll_max", "3s")
	v.SetDefault("engine.orchestrator.settle_delay", "2s")
	v.SetDefault("engine.orchestrator.skip_wait_timeout", "60s")
	v.SetDefault("engine.orchestrator.max_consecutive_interruptions", 25)
	v.SetDefault("engine.orchestrator.fail_on_transition_timeout", false)

	// -- Engine: actions --
	v.SetDefault("engine.action.default_max_retries", 3)
	v.SetDefault("engine.action.retry_backoff", "500ms")
	v.SetDefault("engine.action.delay_slice", "500ms")
	v.SetDefault("engine.action.wait_timeout", "30s")
	v.SetDefault("engine.action.element_timeout", "10s")
	v.SetDefault("engine.action.callback_retry_delay", "2s")
	v.SetDefault("engine.action.callback_timeout", "60s")
	v.SetDefault("engine.action.not_found_backoff", "1s")
	v.SetDefault("engine.action.loading_settle", "1s")

	setHumanoidDefaults(v)

	// -- Control --
	v.SetDefault("control.panel", false)
	v.SetDefault("control.http_addr", "")

	// -- Store --
	v.SetDefault("store.driver", "")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.sqlite_path", "~/.pageflow/runs.db")
}

// NewConfigFromViper unmarshals and validates the configuration held by v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// The DSN usually carries credentials and should come from the environment.
	_ = v.BindEnv("store.dsn", "PAGEFLOW_STORE_DSN")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for values the engine cannot work with.
func (c *Config) Validate() error {
	switch c.BrowserCfg.Backend {
	case BackendChromedp, BackendRod:
	default:
		return fmt.Errorf("browser.backend must be %q or %q, got %q", BackendChromedp, BackendRod, c.BrowserCfg.Backend)
	}
	if c.BrowserCfg.ElementTimeout <= 0 {
		return errors.New("browser.element_timeout must be positive")
	}
	switch c.StoreCfg.Driver {
	case "", DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("store.driver must be empty, %q or %q, got %q", DriverPostgres, DriverSQLite, c.StoreCfg.Driver)
	}
	if c.StoreCfg.Driver == DriverPostgres && c.StoreCfg.DSN == "" {
		return errors.New("store.dsn is required for the postgres driver")
	}
	if err := c.EngineCfg.Detector.Validate(); err != nil {
		return fmt.Errorf("engine.detector configuration invalid: %w", err)
	}
	if err := c.EngineCfg.Orchestrator.Validate(); err != nil {
		return fmt.Errorf("engine.orchestrator configuration invalid: %w", err)
	}
	if err := c.EngineCfg.Action.Validate(); err != nil {
		return fmt.Errorf("engine.action configuration invalid: %w", err)
	}
	if err := c.HumanoidCfg.Validate(); err != nil {
		return fmt.Errorf("humanoid configuration invalid: %w", err)
	}
	return nil
}

// Validate checks that every threshold is a probability.
func (d *DetectorConfig) Validate() error {
	for name, v := range map[string]float64{
		"high_confidence":      d.HighConfidence,
		"expected_threshold":   d.ExpectedThreshold,
		"exhaustive_threshold": d.ExhaustiveThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0,1], got %v", name, v)
		}
	}
	return nil
}

// Validate checks retry ceilings and wait ranges.
func (o *OrchestratorConfig) Validate() error {
	if o.MaxFallbackRetries <= 0 {
		return errors.New("max_fallback_retries must be a positive integer")
	}
	if o.MaxConsecutiveInterruptions <= 0 {
		return errors.New("max_consecutive_interruptions must be a positive integer")
	}
	if err := validateRange("retry_wait", o.RetryWaitMin, o.RetryWaitMax); err != nil {
		return err
	}
	if err := validateRange("poll", o.PollMin, o.PollMax); err != nil {
		return err
	}
	if o.TransitionTimeout <= 0 || o.SkipWaitTimeout <= 0 {
		return errors.New("transition_timeout and skip_wait_timeout must be positive")
	}
	if o.SettleDelay < 0 {
		return errors.New("settle_delay must not be negative")
	}
	return nil
}

// Validate checks the action defaults.
func (a *ActionConfig) Validate() error {
	if a.DefaultMaxRetries <= 0 {
		return errors.New("default_max_retries must be a positive integer")
	}
	if a.DelaySlice <= 0 {
		return errors.New("delay_slice must be positive")
	}
	if a.WaitTimeout <= 0 || a.ElementTimeout <= 0 || a.CallbackTimeout <= 0 {
		return errors.New("wait_timeout, element_timeout and callback_timeout must be positive")
	}
	if a.RetryBackoff < 0 || a.CallbackRetryDelay < 0 || a.NotFoundBackoff < 0 || a.LoadingSettle < 0 {
		return errors.New("backoff durations must not be negative")
	}
	return nil
}

func validateRange(name string, lo, hi time.Duration) error {
	if lo < 0 || hi < 0 {
		return fmt.Errorf("%s_min and %s_max must not be negative", name, name)
	}
	if lo > hi {
		return fmt.Errorf("%s_min (%v) must not exceed %s_max (%v)", name, lo, name, hi)
	}
	return nil
}
