package errors

import (
	"errors"
	"fmt"
	"testing"
)

// -----------------------------------------------------------------------------
// Severity Tests
// -----------------------------------------------------------------------------

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityDebug, "debug"},
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityError, "error"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.severity.String(); got != tt.want {
				t.Errorf("Severity.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// SchedulerError Tests
// -----------------------------------------------------------------------------

func TestNewSchedulerError(t *testing.T) {
	cause := ErrRetryExhausted
	err := NewSchedulerError("subtask failed", cause)

	if err.message != "subtask failed" {
		t.Errorf("message = %q, want %q", err.message, "subtask failed")
	}
	if err.cause != cause {
		t.Errorf("cause = %v, want %v", err.cause, cause)
	}
	if err.Severity() != SeverityError {
		t.Errorf("Severity() = %v, want %v", err.Severity(), SeverityError)
	}
	if err.IsRetryable() {
		t.Error("IsRetryable() = true, want false")
	}
}

func TestSchedulerError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *SchedulerError
		want string
	}{
		{
			name: "bare",
			err:  NewSchedulerError("subtask failed", nil),
			want: "scheduler error: subtask failed",
		},
		{
			name: "with cause",
			err:  NewSchedulerError("subtask failed", ErrRetryExhausted),
			want: "scheduler error: subtask failed: retries exhausted",
		},
		{
			name: "with context",
			err:  NewSchedulerError("subtask failed", ErrRetryExhausted).WithJobID("job-1").WithSubTaskID("intro"),
			want: "scheduler error [job=job-1, subtask=intro]: subtask failed: retries exhausted",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSchedulerError_Is(t *testing.T) {
	err := NewSchedulerError("subtask failed", ErrDependencyFailed).WithJobID("job-1")

	if !errors.Is(err, ErrDependencyFailed) {
		t.Error("errors.Is(err, ErrDependencyFailed) = false, want true")
	}
	if errors.Is(err, ErrCircuitOpen) {
		t.Error("errors.Is(err, ErrCircuitOpen) = true, want false")
	}

	var schedErr *SchedulerError
	if !errors.As(err, &schedErr) {
		t.Fatal("errors.As(err, *SchedulerError) = false, want true")
	}
	if schedErr.JobID != "job-1" {
		t.Errorf("JobID = %q, want %q", schedErr.JobID, "job-1")
	}
}

func TestSchedulerError_WrappedFurther(t *testing.T) {
	inner := NewSchedulerError("dispatch rejected", ErrCircuitOpen).WithSubTaskID("s1")
	outer := fmt.Errorf("processing batch: %w", inner)

	if !errors.Is(outer, ErrCircuitOpen) {
		t.Error("wrapped error lost sentinel identity")
	}
	var schedErr *SchedulerError
	if !errors.As(outer, &schedErr) {
		t.Error("wrapped error lost typed identity")
	}
}

// -----------------------------------------------------------------------------
// ProviderError Tests
// -----------------------------------------------------------------------------

func TestNewProviderError(t *testing.T) {
	err := NewProviderError("generation request failed", ErrTimeout)

	if !err.IsRetryable() {
		t.Error("IsRetryable() = false, want true")
	}
	if err.Severity() != SeverityWarning {
		t.Errorf("Severity() = %v, want %v", err.Severity(), SeverityWarning)
	}
	if err.BatchSize != -1 {
		t.Errorf("BatchSize = %d, want -1 (unset)", err.BatchSize)
	}
}

func TestProviderError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ProviderError
		want string
	}{
		{
			name: "bare",
			err:  NewProviderError("call failed", nil),
			want: "provider error: call failed",
		},
		{
			name: "with context",
			err:  NewProviderError("call failed", ErrTimeout).WithProvider("anthropic").WithBatchSize(4),
			want: "provider error [provider=anthropic, batch_size=4]: call failed: operation timed out",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProviderError_WithRetryable(t *testing.T) {
	err := NewProviderError("malformed response", nil).WithRetryable(false)
	if IsRetryable(err) {
		t.Error("IsRetryable(err) = true after WithRetryable(false)")
	}
}

// -----------------------------------------------------------------------------
// Classification Tests
// -----------------------------------------------------------------------------

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"provider", ErrProvider, true},
		{"circuit open", ErrCircuitOpen, true},
		{"timeout", ErrTimeout, true},
		{"batch", ErrBatch, true},
		{"wrapped circuit open", fmt.Errorf("dispatch: %w", ErrCircuitOpen), true},
		{"retry exhausted", ErrRetryExhausted, false},
		{"dependency failed", ErrDependencyFailed, false},
		{"cancelled", ErrCancelled, false},
		{"cycle", ErrDependencyCycle, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"retry exhausted", ErrRetryExhausted, true},
		{"dependency failed", ErrDependencyFailed, true},
		{"cancelled", ErrCancelled, true},
		{"wrapped exhausted", NewSchedulerError("done", ErrRetryExhausted), true},
		{"provider", ErrProvider, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTerminal(tt.err); got != tt.want {
				t.Errorf("IsTerminal(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestSeverityOf(t *testing.T) {
	if got := SeverityOf(NewProviderError("x", nil)); got != SeverityWarning {
		t.Errorf("SeverityOf(provider error) = %v, want %v", got, SeverityWarning)
	}
	if got := SeverityOf(errors.New("plain")); got != SeverityError {
		t.Errorf("SeverityOf(plain) = %v, want %v", got, SeverityError)
	}
}
