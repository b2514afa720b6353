// Package breaker provides per-provider circuit breakers for the weft
// core. A breaker opens to shed load after repeated failures within a
// window, then half-opens after a cooldown to probe recovery with exactly
// one call.
package breaker

import (
	"sync"
	"time"
)

// State is the circuit state of one provider.
type State string

const (
	// StateClosed allows all calls; failures are counted within a window.
	StateClosed State = "closed"
	// StateOpen rejects all calls until the cooldown elapses.
	StateOpen State = "open"
	// StateHalfOpen allows exactly one probe call at a time.
	StateHalfOpen State = "half_open"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// Config holds the thresholds for one breaker.
type Config struct {
	// Window is the length of the failure-counting window. Counts reset
	// when a window expires.
	Window time.Duration

	// MinRequests is the minimum number of calls within the window before
	// the failure ratio is evaluated. Prevents a single early failure
	// from opening the circuit.
	MinRequests int

	// FailureRatio is the fraction of failed calls within the window at
	// which the breaker opens (0 < ratio <= 1).
	FailureRatio float64

	// Cooldown is how long an open breaker waits before half-opening.
	Cooldown time.Duration

	// OnOpen, when set, is invoked on every transition to Open, whether
	// from Closed or from a failed half-open probe. Called outside the
	// breaker's lock.
	OnOpen func()
}

// DefaultConfig returns sensible defaults for breaker configuration.
func DefaultConfig() Config {
	return Config{
		Window:       30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.5,
		Cooldown:     15 * time.Second,
	}
}

// Breaker is the circuit breaker for a single provider.
// All methods are safe for concurrent use; the threshold check and state
// transition happen atomically under one mutex.
type Breaker struct {
	mu  sync.Mutex
	cfg Config

	state         State
	requests      int
	failures      int
	windowStart   time.Time
	openedAt      time.Time
	probeInFlight bool

	now func() time.Time // injectable clock for tests
}

// New creates a Breaker with the given configuration.
func New(cfg Config) *Breaker {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = DefaultConfig().MinRequests
	}
	if cfg.FailureRatio <= 0 || cfg.FailureRatio > 1 {
		cfg.FailureRatio = DefaultConfig().FailureRatio
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	return &Breaker{
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Allow reports whether a call may proceed. In the open state it returns
// false until the cooldown elapses, at which point the breaker half-opens
// and admits exactly one probe; concurrent callers keep getting false
// until the probe resolves.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		// Cooldown elapsed: this caller becomes the probe.
		b.state = StateHalfOpen
		b.probeInFlight = true
		return true
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful call. A successful probe closes the
// circuit and resets all counters.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.state = StateClosed
		b.resetWindowLocked()
	case StateClosed:
		b.touchWindowLocked()
		b.requests++
	}
}

// RecordFailure records a failed call. In the closed state it may trip
// the breaker; a failed probe reopens it and restarts the cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	opened := false
	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.now()
		b.probeInFlight = false
		opened = true
	case StateClosed:
		b.touchWindowLocked()
		b.requests++
		b.failures++
		if b.requests >= b.cfg.MinRequests &&
			float64(b.failures)/float64(b.requests) >= b.cfg.FailureRatio {
			b.state = StateOpen
			b.openedAt = b.now()
			opened = true
		}
	}
	b.mu.Unlock()

	if opened && b.cfg.OnOpen != nil {
		b.cfg.OnOpen()
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// touchWindowLocked resets the counting window if it has expired.
// Must hold b.mu.
func (b *Breaker) touchWindowLocked() {
	now := b.now()
	if b.windowStart.IsZero() || now.Sub(b.windowStart) > b.cfg.Window {
		b.windowStart = now
		b.requests = 0
		b.failures = 0
	}
}

// resetWindowLocked clears all counters. Must hold b.mu.
func (b *Breaker) resetWindowLocked() {
	b.windowStart = time.Time{}
	b.requests = 0
	b.failures = 0
	b.probeInFlight = false
}

// Registry holds one breaker per provider key, created lazily with a
// shared configuration. It is the only cross-job shared state besides
// the result cache, and is constructed explicitly so tests can use
// isolated instances.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry creates a Registry whose breakers use cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for the given provider key, creating it on
// first use.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[key]
	if !ok {
		b = New(r.cfg)
		r.breakers[key] = b
	}
	return b
}

// Allow reports whether a call to the given provider may proceed.
func (r *Registry) Allow(key string) bool {
	return r.Get(key).Allow()
}

// RecordSuccess records a successful call to the given provider.
func (r *Registry) RecordSuccess(key string) {
	r.Get(key).RecordSuccess()
}

// RecordFailure records a failed call to the given provider.
func (r *Registry) RecordFailure(key string) {
	r.Get(key).RecordFailure()
}
