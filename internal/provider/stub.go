package provider

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Stub is a configurable in-process Executor used by the demo command
// and by tests. It echoes payloads back with a prefix after an optional
// latency, and can be scripted to fail.
type Stub struct {
	// Latency is how long each call sleeps before responding.
	Latency time.Duration

	// FailFirst makes the first N calls fail with a synthetic error.
	FailFirst int

	// FailAll makes every call fail.
	FailAll bool

	calls atomic.Int64

	mu      sync.Mutex
	batches [][]string // subtask payloads per call, for assertions
}

// Execute implements Executor.
func (s *Stub) Execute(ctx context.Context, key string, payloads [][]byte) ([][]byte, error) {
	n := s.calls.Add(1)

	s.mu.Lock()
	batch := make([]string, len(payloads))
	for i, p := range payloads {
		batch[i] = string(p)
	}
	s.batches = append(s.batches, batch)
	s.mu.Unlock()

	if s.Latency > 0 {
		select {
		case <-time.After(s.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if s.FailAll || n <= int64(s.FailFirst) {
		return nil, fmt.Errorf("stub provider %s: synthetic failure on call %d", key, n)
	}

	results := make([][]byte, len(payloads))
	for i, p := range payloads {
		results[i] = []byte(fmt.Sprintf("%s:%s", key, p))
	}
	return results, nil
}

// Calls returns how many times Execute was invoked.
func (s *Stub) Calls() int {
	return int(s.calls.Load())
}

// Batches returns the payloads of every call, in call order.
func (s *Stub) Batches() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.batches))
	copy(out, s.batches)
	return out
}
