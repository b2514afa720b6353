package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "scheduler.max_attempts")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateScheduler()...)
	errors = append(errors, c.validateBreaker()...)
	errors = append(errors, c.validateCache()...)
	errors = append(errors, c.validateBatch()...)
	errors = append(errors, c.validateProvider()...)
	errors = append(errors, c.validateReconcile()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validateScheduler validates the SchedulerConfig
func (c *Config) validateScheduler() []ValidationError {
	var errors []ValidationError

	const maxAttemptsLimit = 20
	if c.Scheduler.MaxAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.max_attempts",
			Value:   c.Scheduler.MaxAttempts,
			Message: "must be at least 1",
		})
	}
	if c.Scheduler.MaxAttempts > maxAttemptsLimit {
		errors = append(errors, ValidationError{
			Field:   "scheduler.max_attempts",
			Value:   c.Scheduler.MaxAttempts,
			Message: fmt.Sprintf("exceeds maximum of %d", maxAttemptsLimit),
		})
	}

	if c.Scheduler.BackoffBaseMs < 1 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.backoff_base_ms",
			Value:   c.Scheduler.BackoffBaseMs,
			Message: "must be at least 1ms",
		})
	}
	if c.Scheduler.BackoffMaxMs < c.Scheduler.BackoffBaseMs {
		errors = append(errors, ValidationError{
			Field:   "scheduler.backoff_max_ms",
			Value:   c.Scheduler.BackoffMaxMs,
			Message: "must not be less than backoff_base_ms",
		})
	}

	if c.Scheduler.BoostRate < 0 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.boost_rate",
			Value:   c.Scheduler.BoostRate,
			Message: "must be non-negative (0 disables age boost)",
		})
	}

	if c.Scheduler.RetentionMinutes < 1 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.retention_minutes",
			Value:   c.Scheduler.RetentionMinutes,
			Message: "must be at least 1",
		})
	}

	return errors
}

// validateBreaker validates the BreakerConfig
func (c *Config) validateBreaker() []ValidationError {
	var errors []ValidationError

	if c.Breaker.WindowSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "breaker.window_seconds",
			Value:   c.Breaker.WindowSeconds,
			Message: "must be at least 1",
		})
	}
	if c.Breaker.MinRequests < 1 {
		errors = append(errors, ValidationError{
			Field:   "breaker.min_requests",
			Value:   c.Breaker.MinRequests,
			Message: "must be at least 1",
		})
	}
	if c.Breaker.FailureRatio <= 0 || c.Breaker.FailureRatio > 1 {
		errors = append(errors, ValidationError{
			Field:   "breaker.failure_ratio",
			Value:   c.Breaker.FailureRatio,
			Message: "must be in (0, 1]",
		})
	}
	if c.Breaker.CooldownSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "breaker.cooldown_seconds",
			Value:   c.Breaker.CooldownSeconds,
			Message: "must be at least 1",
		})
	}

	return errors
}

// validateCache validates the CacheConfig
func (c *Config) validateCache() []ValidationError {
	var errors []ValidationError

	if c.Cache.TTLMinutes < 1 {
		errors = append(errors, ValidationError{
			Field:   "cache.ttl_minutes",
			Value:   c.Cache.TTLMinutes,
			Message: "must be at least 1",
		})
	}

	const maxCapacity = 1_000_000
	if c.Cache.Capacity < 1 {
		errors = append(errors, ValidationError{
			Field:   "cache.capacity",
			Value:   c.Cache.Capacity,
			Message: "must be at least 1",
		})
	}
	if c.Cache.Capacity > maxCapacity {
		errors = append(errors, ValidationError{
			Field:   "cache.capacity",
			Value:   c.Cache.Capacity,
			Message: fmt.Sprintf("exceeds maximum of %d entries", maxCapacity),
		})
	}

	return errors
}

// validateBatch validates the BatchConfig
func (c *Config) validateBatch() []ValidationError {
	var errors []ValidationError

	const maxBatchSize = 256
	if c.Batch.MaxSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "batch.max_size",
			Value:   c.Batch.MaxSize,
			Message: "must be at least 1",
		})
	}
	if c.Batch.MaxSize > maxBatchSize {
		errors = append(errors, ValidationError{
			Field:   "batch.max_size",
			Value:   c.Batch.MaxSize,
			Message: fmt.Sprintf("exceeds maximum of %d members", maxBatchSize),
		})
	}

	const minWindowMs = 1
	const maxWindowMs = 60_000
	if c.Batch.WindowMs < minWindowMs {
		errors = append(errors, ValidationError{
			Field:   "batch.window_ms",
			Value:   c.Batch.WindowMs,
			Message: fmt.Sprintf("must be at least %dms", minWindowMs),
		})
	}
	if c.Batch.WindowMs > maxWindowMs {
		errors = append(errors, ValidationError{
			Field:   "batch.window_ms",
			Value:   c.Batch.WindowMs,
			Message: fmt.Sprintf("exceeds maximum of %dms", maxWindowMs),
		})
	}

	return errors
}

// validateProvider validates the ProviderConfig
func (c *Config) validateProvider() []ValidationError {
	var errors []ValidationError

	const maxConcurrency = 1024
	if c.Provider.DefaultConcurrency < 1 {
		errors = append(errors, ValidationError{
			Field:   "provider.default_concurrency",
			Value:   c.Provider.DefaultConcurrency,
			Message: "must be at least 1",
		})
	}
	if c.Provider.DefaultConcurrency > maxConcurrency {
		errors = append(errors, ValidationError{
			Field:   "provider.default_concurrency",
			Value:   c.Provider.DefaultConcurrency,
			Message: fmt.Sprintf("exceeds maximum of %d", maxConcurrency),
		})
	}

	for key, limit := range c.Provider.Concurrency {
		if limit < 1 || limit > maxConcurrency {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("provider.concurrency.%s", key),
				Value:   limit,
				Message: fmt.Sprintf("must be between 1 and %d", maxConcurrency),
			})
		}
	}

	if c.Provider.CallTimeoutSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "provider.call_timeout_seconds",
			Value:   c.Provider.CallTimeoutSeconds,
			Message: "must be at least 1",
		})
	}

	return errors
}

// validateReconcile validates the ReconcileConfig
func (c *Config) validateReconcile() []ValidationError {
	var errors []ValidationError

	if c.Reconcile.MinTermLength < 1 {
		errors = append(errors, ValidationError{
			Field:   "reconcile.min_term_length",
			Value:   c.Reconcile.MinTermLength,
			Message: "must be at least 1",
		})
	}

	for alias, canonical := range c.Reconcile.Aliases {
		if strings.TrimSpace(alias) == "" || strings.TrimSpace(canonical) == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("reconcile.aliases.%s", alias),
				Value:   canonical,
				Message: "alias and canonical form must be non-empty",
			})
		}
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	if strings.ContainsRune(c.Logging.Dir, '\x00') {
		errors = append(errors, ValidationError{
			Field:   "logging.dir",
			Value:   c.Logging.Dir,
			Message: "path contains invalid null character",
		})
	}

	return errors
}
