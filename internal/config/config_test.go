package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if errs := cfg.Validate(); len(errs) > 0 {
		t.Fatalf("default config invalid: %v", ValidationErrors(errs))
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := Default()

	if got := cfg.Scheduler.BackoffBase(); got != 100*time.Millisecond {
		t.Errorf("BackoffBase = %s", got)
	}
	if got := cfg.Scheduler.BackoffMax(); got != 5*time.Second {
		t.Errorf("BackoffMax = %s", got)
	}
	if got := cfg.Scheduler.Retention(); got != 5*time.Minute {
		t.Errorf("Retention = %s", got)
	}
	if got := cfg.Breaker.Window(); got != 30*time.Second {
		t.Errorf("breaker Window = %s", got)
	}
	if got := cfg.Breaker.Cooldown(); got != 15*time.Second {
		t.Errorf("Cooldown = %s", got)
	}
	if got := cfg.Cache.TTL(); got != time.Hour {
		t.Errorf("TTL = %s", got)
	}
	if got := cfg.Batch.Window(); got != 100*time.Millisecond {
		t.Errorf("batch Window = %s", got)
	}
	if got := cfg.Provider.CallTimeout(); got != 2*time.Minute {
		t.Errorf("CallTimeout = %s", got)
	}
}

func TestSetDefaultsThenLoad(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	SetDefaults()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.MaxAttempts != 3 {
		t.Errorf("max_attempts = %d", cfg.Scheduler.MaxAttempts)
	}
	if !cfg.Reconcile.Enabled {
		t.Error("reconcile not enabled by default")
	}
	if cfg.Batch.MaxSize != 8 {
		t.Errorf("batch max_size = %d", cfg.Batch.MaxSize)
	}
}

func TestLoadRejectsInvalidOverrides(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	SetDefaults()
	viper.Set("breaker.failure_ratio", 1.5)
	viper.Set("scheduler.max_attempts", 0)

	_, err := Load()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "breaker.failure_ratio") {
		t.Errorf("error missing failure_ratio: %s", msg)
	}
	if !strings.Contains(msg, "scheduler.max_attempts") {
		t.Errorf("error missing max_attempts: %s", msg)
	}
}

func TestValidateFindsAllErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{
			name:   "zero attempts",
			mutate: func(c *Config) { c.Scheduler.MaxAttempts = 0 },
			field:  "scheduler.max_attempts",
		},
		{
			name:   "backoff max below base",
			mutate: func(c *Config) { c.Scheduler.BackoffMaxMs = 10 },
			field:  "scheduler.backoff_max_ms",
		},
		{
			name:   "negative boost rate",
			mutate: func(c *Config) { c.Scheduler.BoostRate = -1 },
			field:  "scheduler.boost_rate",
		},
		{
			name:   "ratio above one",
			mutate: func(c *Config) { c.Breaker.FailureRatio = 2 },
			field:  "breaker.failure_ratio",
		},
		{
			name:   "zero min requests",
			mutate: func(c *Config) { c.Breaker.MinRequests = 0 },
			field:  "breaker.min_requests",
		},
		{
			name:   "zero cache capacity",
			mutate: func(c *Config) { c.Cache.Capacity = 0 },
			field:  "cache.capacity",
		},
		{
			name:   "oversized batch",
			mutate: func(c *Config) { c.Batch.MaxSize = 1000 },
			field:  "batch.max_size",
		},
		{
			name:   "zero batch window",
			mutate: func(c *Config) { c.Batch.WindowMs = 0 },
			field:  "batch.window_ms",
		},
		{
			name:   "bad per-provider limit",
			mutate: func(c *Config) { c.Provider.Concurrency = map[string]int{"llm": 0} },
			field:  "provider.concurrency.llm",
		},
		{
			name:   "unknown log level",
			mutate: func(c *Config) { c.Logging.Level = "verbose" },
			field:  "logging.level",
		},
		{
			name:   "empty alias",
			mutate: func(c *Config) { c.Reconcile.Aliases = map[string]string{"k8s": " "} },
			field:  "reconcile.aliases.k8s",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			errs := cfg.Validate()
			if len(errs) == 0 {
				t.Fatal("expected validation errors")
			}
			found := false
			for _, e := range errs {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("no error for field %s, got %v", tt.field, ValidationErrors(errs))
			}
		})
	}
}

func TestValidationErrorsFormatting(t *testing.T) {
	errs := ValidationErrors{
		{Field: "a.b", Value: 1, Message: "too small"},
		{Field: "c.d", Value: "x", Message: "unknown"},
	}
	msg := errs.Error()
	if !strings.Contains(msg, "2 validation errors") {
		t.Errorf("missing count header: %s", msg)
	}
	if !strings.Contains(msg, "a.b: too small (got: 1)") {
		t.Errorf("missing first error: %s", msg)
	}

	one := ValidationErrors{{Field: "a.b", Value: 1, Message: "too small"}}
	if one.Error() != "a.b: too small (got: 1)" {
		t.Errorf("single error format = %q", one.Error())
	}
	if (ValidationErrors{}).Error() != "" {
		t.Error("empty errors should format to empty string")
	}
}
