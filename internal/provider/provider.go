// Package provider defines the injected executor capability through
// which the weft core talks to external generation providers. The core
// has no provider-specific knowledge; it hands a batch of opaque
// payloads to an Executor and receives a batch of opaque results or a
// batch-level error.
package provider

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/weftlabs/weft/internal/errors"
)

// Executor performs one batched provider call. Implementations must
// return exactly one result per payload, in payload order, or an error
// covering the whole batch.
type Executor interface {
	Execute(ctx context.Context, key string, payloads [][]byte) ([][]byte, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, key string, payloads [][]byte) ([][]byte, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, key string, payloads [][]byte) ([][]byte, error) {
	return f(ctx, key, payloads)
}

// LimitConfig holds per-provider dispatch limits.
type LimitConfig struct {
	// DefaultConcurrency is the in-flight call limit for providers
	// without an explicit entry in Concurrency.
	DefaultConcurrency int

	// Concurrency maps provider keys to their in-flight call limits.
	Concurrency map[string]int

	// CallTimeout is the deadline applied to each provider call.
	// Exceeding it is reported as a timeout, which the scheduler treats
	// like any other provider failure.
	CallTimeout time.Duration
}

// DefaultLimitConfig returns sensible defaults for dispatch limits.
func DefaultLimitConfig() LimitConfig {
	return LimitConfig{
		DefaultConcurrency: 4,
		CallTimeout:        2 * time.Minute,
	}
}

// Limited wraps an Executor with per-provider concurrency limits and a
// per-call deadline. Limits are enforced with one weighted semaphore per
// provider key, created lazily.
type Limited struct {
	inner Executor
	cfg   LimitConfig

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

// NewLimited wraps inner with the given limits.
func NewLimited(inner Executor, cfg LimitConfig) *Limited {
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = DefaultLimitConfig().DefaultConcurrency
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultLimitConfig().CallTimeout
	}
	return &Limited{
		inner: inner,
		cfg:   cfg,
		sems:  make(map[string]*semaphore.Weighted),
	}
}

// Execute acquires the provider's concurrency slot, applies the call
// deadline, and forwards to the wrapped executor. A deadline overrun is
// returned as a retryable ProviderError wrapping ErrTimeout. A result
// count mismatch is a non-retryable ProviderError: the response cannot
// be demultiplexed by position.
func (l *Limited) Execute(ctx context.Context, key string, payloads [][]byte) ([][]byte, error) {
	sem := l.semFor(key)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	defer cancel()

	results, err := l.inner.Execute(callCtx, key, payloads)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, errors.NewProviderError("call deadline exceeded", errors.ErrTimeout).
				WithProvider(key).WithBatchSize(len(payloads))
		}
		return nil, errors.NewProviderError("call failed", errors.Join(errors.ErrProvider, err)).
			WithProvider(key).WithBatchSize(len(payloads))
	}
	if len(results) != len(payloads) {
		return nil, errors.NewProviderError("result count mismatch", errors.ErrProvider).
			WithProvider(key).WithBatchSize(len(payloads)).WithRetryable(false)
	}
	return results, nil
}

// semFor returns the semaphore for a provider key, creating it on first use.
func (l *Limited) semFor(key string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()

	sem, ok := l.sems[key]
	if !ok {
		limit := l.cfg.DefaultConcurrency
		if n, ok := l.cfg.Concurrency[key]; ok && n > 0 {
			limit = n
		}
		sem = semaphore.NewWeighted(int64(limit))
		l.sems[key] = sem
	}
	return sem
}
