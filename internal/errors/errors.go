// Package errors provides centralized error definitions and error handling
// utilities for the weft orchestration core. It defines sentinel errors for
// every failure class the scheduler can report, semantic error types with
// structured context, and classification helpers.
//
// # Error Types
//
// Sentinel errors identify the failure class:
//   - ErrDependencyCycle: rejected at submission, never a runtime surprise
//   - ErrCircuitOpen: provider is shedding load
//   - ErrProvider: a provider call failed or timed out
//   - ErrBatch: a whole batch failed with a single error
//   - ErrRetryExhausted: a subtask failed after its final attempt
//   - ErrDependencyFailed: propagated to dependents of a failed subtask
//   - ErrCancelled: the job or subtask was cancelled
//
// Typed errors carry structured context:
//   - SchedulerError: job/subtask coordination failures
//   - ProviderError: failures from a provider executor call
//
// # Usage
//
// Creating errors:
//
//	err := errors.NewSchedulerError("subtask failed", errors.ErrRetryExhausted).
//		WithJobID("job-1").WithSubTaskID("intro")
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrCircuitOpen) { ... }
//
//	var provErr *errors.ProviderError
//	if errors.As(err, &provErr) { ... }
//
//	if errors.IsRetryable(err) { ... }
//
// # Classification
//
// Transient errors (ErrProvider, ErrCircuitOpen, ErrTimeout) are retryable
// and are absorbed by the scheduler's backoff path. Terminal errors
// (ErrRetryExhausted, ErrDependencyFailed, ErrCancelled) surface to the job
// snapshot and the progress stream.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Submission-related sentinel errors
var (
	// ErrDependencyCycle indicates a circular dependency between subtasks.
	ErrDependencyCycle = New("dependency cycle detected")
	// ErrUnknownDependency indicates a depends_on reference to a subtask
	// that is not part of the same job.
	ErrUnknownDependency = New("dependency references unknown subtask")
	// ErrDuplicateSubTask indicates two subtasks in a job share an ID.
	ErrDuplicateSubTask = New("duplicate subtask id")
	// ErrJobExists indicates a job with the same ID is already registered.
	ErrJobExists = New("job already registered")
)

// Dispatch-related sentinel errors
var (
	// ErrCircuitOpen indicates the provider's circuit breaker is open and
	// the dispatch was rejected without a provider call.
	ErrCircuitOpen = New("circuit open")
	// ErrProvider indicates a provider call failed or returned bad data.
	ErrProvider = New("provider call failed")
	// ErrBatch indicates an entire batch failed with one error.
	ErrBatch = New("batch failed")
	// ErrTimeout indicates a dispatched operation exceeded its deadline.
	ErrTimeout = New("operation timed out")
)

// Terminal sentinel errors
var (
	// ErrRetryExhausted indicates a subtask failed after its last allowed attempt.
	ErrRetryExhausted = New("retries exhausted")
	// ErrDependencyFailed indicates a subtask was failed because a subtask
	// it depends on failed.
	ErrDependencyFailed = New("dependency failed")
	// ErrCancelled indicates the job or subtask was cancelled.
	ErrCancelled = New("cancelled")
)

// Lookup and state sentinel errors
var (
	// ErrJobNotFound indicates a job could not be found.
	ErrJobNotFound = New("job not found")
	// ErrSchedulerClosed indicates the scheduler has been shut down.
	ErrSchedulerClosed = New("scheduler closed")
)

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all typed errors.
type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// SchedulerError represents errors from job/subtask coordination.
//
// Example:
//
//	err := errors.NewSchedulerError("subtask failed", errors.ErrRetryExhausted)
//	err = err.WithJobID("job-1").WithSubTaskID("intro")
//	fmt.Println(err) // "scheduler error [job=job-1, subtask=intro]: subtask failed: retries exhausted"
type SchedulerError struct {
	baseError
	JobID     string
	SubTaskID string
}

// NewSchedulerError creates a new SchedulerError.
func NewSchedulerError(message string, cause error) *SchedulerError {
	return &SchedulerError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityError,
		},
	}
}

// WithJobID adds a job ID to the error context.
func (e *SchedulerError) WithJobID(id string) *SchedulerError {
	e.JobID = id
	return e
}

// WithSubTaskID adds a subtask ID to the error context.
func (e *SchedulerError) WithSubTaskID(id string) *SchedulerError {
	e.SubTaskID = id
	return e
}

// WithSeverity sets the error severity.
func (e *SchedulerError) WithSeverity(s Severity) *SchedulerError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *SchedulerError) Error() string {
	var parts []string
	if e.JobID != "" {
		parts = append(parts, fmt.Sprintf("job=%s", e.JobID))
	}
	if e.SubTaskID != "" {
		parts = append(parts, fmt.Sprintf("subtask=%s", e.SubTaskID))
	}

	prefix := "scheduler error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("scheduler error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *SchedulerError) Is(target error) bool {
	if _, ok := target.(*SchedulerError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ProviderError represents errors from a provider executor call.
//
// Example:
//
//	err := errors.NewProviderError("generation request failed", cause)
//	err = err.WithProvider("openai/gpt-4").WithBatchSize(5)
type ProviderError struct {
	baseError
	Provider  string
	BatchSize int
}

// NewProviderError creates a new ProviderError. Provider errors are
// retryable by default; the scheduler absorbs them into its backoff path.
func NewProviderError(message string, cause error) *ProviderError {
	return &ProviderError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityWarning,
			retryable: true,
		},
		BatchSize: -1, // -1 indicates not set
	}
}

// WithProvider adds the provider key to the error context.
func (e *ProviderError) WithProvider(key string) *ProviderError {
	e.Provider = key
	return e
}

// WithBatchSize adds the size of the failed batch to the error context.
func (e *ProviderError) WithBatchSize(n int) *ProviderError {
	e.BatchSize = n
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *ProviderError) WithRetryable(r bool) *ProviderError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *ProviderError) Error() string {
	var parts []string
	if e.Provider != "" {
		parts = append(parts, fmt.Sprintf("provider=%s", e.Provider))
	}
	if e.BatchSize >= 0 {
		parts = append(parts, fmt.Sprintf("batch_size=%d", e.BatchSize))
	}

	prefix := "provider error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("provider error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ProviderError) Is(target error) bool {
	if _, ok := target.(*ProviderError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// classifier is implemented by typed errors that know their own behavior.
type classifier interface {
	IsRetryable() bool
}

// IsRetryable reports whether the operation that produced err may succeed
// on retry. Typed errors answer for themselves; otherwise the transient
// sentinels (ErrProvider, ErrCircuitOpen, ErrTimeout, ErrBatch) are retryable.
func IsRetryable(err error) bool {
	var c classifier
	if errors.As(err, &c) {
		return c.IsRetryable()
	}
	return errors.Is(err, ErrProvider) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrBatch)
}

// IsTerminal reports whether err represents a final subtask outcome that
// must not re-enter the retry path.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrRetryExhausted) ||
		errors.Is(err, ErrDependencyFailed) ||
		errors.Is(err, ErrCancelled)
}

// SeverityOf returns the severity of err, defaulting to SeverityError
// for errors that carry no severity of their own.
func SeverityOf(err error) Severity {
	type leveled interface {
		Severity() Severity
	}
	var l leveled
	if errors.As(err, &l) {
		return l.Severity()
	}
	return SeverityError
}
