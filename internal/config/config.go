// Package config defines the weft configuration surface: scheduling,
// circuit breaker, cache, batching, provider, reconciliation, and
// logging settings, loaded through viper from file, environment, and
// defaults.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete weft configuration
type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// SchedulerConfig controls dispatch, retry, and retention behavior
type SchedulerConfig struct {
	// MaxAttempts is the number of dispatch attempts per subtask before it
	// is marked failed (default: 3)
	MaxAttempts int `mapstructure:"max_attempts"`
	// BackoffBaseMs is the first retry delay in milliseconds; subsequent
	// delays double up to backoff_max_ms (default: 100)
	BackoffBaseMs int `mapstructure:"backoff_base_ms"`
	// BackoffMaxMs caps the retry delay in milliseconds (default: 5000)
	BackoffMaxMs int `mapstructure:"backoff_max_ms"`
	// BoostRate is the priority added per second a ready subtask waits,
	// preventing starvation (default: 1.0)
	BoostRate float64 `mapstructure:"boost_rate"`
	// RetentionMinutes is how long terminal jobs stay queryable before
	// garbage collection (default: 5)
	RetentionMinutes int `mapstructure:"retention_minutes"`
}

// BreakerConfig controls the per-provider circuit breakers
type BreakerConfig struct {
	// WindowSeconds is the failure-counting window (default: 30)
	WindowSeconds int `mapstructure:"window_seconds"`
	// MinRequests is the minimum samples in a window before the failure
	// ratio is evaluated (default: 5)
	MinRequests int `mapstructure:"min_requests"`
	// FailureRatio opens the breaker once failures/requests reaches this
	// fraction within the window (default: 0.5)
	FailureRatio float64 `mapstructure:"failure_ratio"`
	// CooldownSeconds is how long an open breaker waits before admitting
	// a half-open probe (default: 15)
	CooldownSeconds int `mapstructure:"cooldown_seconds"`
}

// CacheConfig controls the shared result cache
type CacheConfig struct {
	// TTLMinutes is the entry lifetime in minutes (default: 60)
	TTLMinutes int `mapstructure:"ttl_minutes"`
	// Capacity is the maximum entry count before LRU eviction (default: 1024)
	Capacity int `mapstructure:"capacity"`
}

// BatchConfig controls request batching
type BatchConfig struct {
	// MaxSize flushes a batch immediately once it has this many members
	// (default: 8)
	MaxSize int `mapstructure:"max_size"`
	// WindowMs bounds how long a batch stays open in milliseconds
	// (default: 100)
	WindowMs int `mapstructure:"window_ms"`
}

// ProviderConfig controls provider call limits
type ProviderConfig struct {
	// DefaultConcurrency is the in-flight call limit per provider without
	// an explicit entry in concurrency (default: 4)
	DefaultConcurrency int `mapstructure:"default_concurrency"`
	// Concurrency maps provider keys to their in-flight call limits
	Concurrency map[string]int `mapstructure:"concurrency"`
	// CallTimeoutSeconds is the deadline per provider call; exceeding it
	// is treated as a provider failure (default: 120)
	CallTimeoutSeconds int `mapstructure:"call_timeout_seconds"`
}

// ReconcileConfig controls the consistency pass over completed results
type ReconcileConfig struct {
	// Enabled runs the terminology pass before a job completes (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Aliases maps variant spellings to their canonical form
	Aliases map[string]string `mapstructure:"aliases"`
	// MinTermLength is the shortest word considered for casing
	// normalization (default: 4)
	MinTermLength int `mapstructure:"min_term_length"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// Dir is the directory for log files; empty uses the default data dir
	Dir string `mapstructure:"dir"`
}

// TelemetryConfig controls the metrics endpoint
type TelemetryConfig struct {
	// Enabled registers the Prometheus collectors (default: true)
	Enabled bool `mapstructure:"enabled"`
	// ListenAddr serves /metrics when non-empty (default: "")
	ListenAddr string `mapstructure:"listen_addr"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			MaxAttempts:      3,
			BackoffBaseMs:    100,
			BackoffMaxMs:     5000,
			BoostRate:        1.0,
			RetentionMinutes: 5,
		},
		Breaker: BreakerConfig{
			WindowSeconds:   30,
			MinRequests:     5,
			FailureRatio:    0.5,
			CooldownSeconds: 15,
		},
		Cache: CacheConfig{
			TTLMinutes: 60,
			Capacity:   1024,
		},
		Batch: BatchConfig{
			MaxSize:  8,
			WindowMs: 100,
		},
		Provider: ProviderConfig{
			DefaultConcurrency: 4,
			Concurrency:        map[string]int{},
			CallTimeoutSeconds: 120,
		},
		Reconcile: ReconcileConfig{
			Enabled:       true,
			Aliases:       map[string]string{},
			MinTermLength: 4,
		},
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
			Dir:     "",
		},
		Telemetry: TelemetryConfig{
			Enabled:    true,
			ListenAddr: "",
		},
	}
}

// BackoffBase returns the base backoff delay as a time.Duration
func (c *SchedulerConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

// BackoffMax returns the backoff cap as a time.Duration
func (c *SchedulerConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// Retention returns the terminal job retention as a time.Duration
func (c *SchedulerConfig) Retention() time.Duration {
	return time.Duration(c.RetentionMinutes) * time.Minute
}

// Window returns the failure-counting window as a time.Duration
func (c *BreakerConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// Cooldown returns the open-state cooldown as a time.Duration
func (c *BreakerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// TTL returns the cache entry lifetime as a time.Duration
func (c *CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// Window returns the batch flush window as a time.Duration
func (c *BatchConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

// CallTimeout returns the per-call deadline as a time.Duration
func (c *ProviderConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Scheduler defaults
	viper.SetDefault("scheduler.max_attempts", defaults.Scheduler.MaxAttempts)
	viper.SetDefault("scheduler.backoff_base_ms", defaults.Scheduler.BackoffBaseMs)
	viper.SetDefault("scheduler.backoff_max_ms", defaults.Scheduler.BackoffMaxMs)
	viper.SetDefault("scheduler.boost_rate", defaults.Scheduler.BoostRate)
	viper.SetDefault("scheduler.retention_minutes", defaults.Scheduler.RetentionMinutes)

	// Breaker defaults
	viper.SetDefault("breaker.window_seconds", defaults.Breaker.WindowSeconds)
	viper.SetDefault("breaker.min_requests", defaults.Breaker.MinRequests)
	viper.SetDefault("breaker.failure_ratio", defaults.Breaker.FailureRatio)
	viper.SetDefault("breaker.cooldown_seconds", defaults.Breaker.CooldownSeconds)

	// Cache defaults
	viper.SetDefault("cache.ttl_minutes", defaults.Cache.TTLMinutes)
	viper.SetDefault("cache.capacity", defaults.Cache.Capacity)

	// Batch defaults
	viper.SetDefault("batch.max_size", defaults.Batch.MaxSize)
	viper.SetDefault("batch.window_ms", defaults.Batch.WindowMs)

	// Provider defaults
	viper.SetDefault("provider.default_concurrency", defaults.Provider.DefaultConcurrency)
	viper.SetDefault("provider.concurrency", defaults.Provider.Concurrency)
	viper.SetDefault("provider.call_timeout_seconds", defaults.Provider.CallTimeoutSeconds)

	// Reconcile defaults
	viper.SetDefault("reconcile.enabled", defaults.Reconcile.Enabled)
	viper.SetDefault("reconcile.aliases", defaults.Reconcile.Aliases)
	viper.SetDefault("reconcile.min_term_length", defaults.Reconcile.MinTermLength)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)

	// Telemetry defaults
	viper.SetDefault("telemetry.enabled", defaults.Telemetry.Enabled)
	viper.SetDefault("telemetry.listen_addr", defaults.Telemetry.ListenAddr)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "weft")
	}
	// Fall back to ~/.config/weft
	home, err := os.UserHomeDir()
	if err != nil {
		return ".weft"
	}
	return filepath.Join(home, ".config", "weft")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ResolveLogDir returns the directory log files are written to.
// An empty configured dir falls back to the config directory.
func (c *LoggingConfig) ResolveLogDir() string {
	if c.Dir == "" {
		return filepath.Join(ConfigDir(), "logs")
	}
	if !filepath.IsAbs(c.Dir) {
		if abs, err := filepath.Abs(c.Dir); err == nil {
			return abs
		}
	}
	return c.Dir
}
