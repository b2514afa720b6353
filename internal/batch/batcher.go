// Package batch groups compatible pending subtasks into single provider
// calls. One batch is open per compatibility key (provider plus stage);
// a batch flushes when it reaches its maximum size or when its time
// window elapses, whichever comes first, and is never reused afterwards.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/weftlabs/weft/internal/breaker"
	"github.com/weftlabs/weft/internal/errors"
	"github.com/weftlabs/weft/internal/logging"
	"github.com/weftlabs/weft/internal/provider"
	"github.com/weftlabs/weft/internal/telemetry"
)

// Result is the per-member outcome of a flushed batch.
type Result struct {
	SubTaskID string
	Output    []byte
	Err       error

	// Dispatched marks the moment the member's batch reaches the
	// provider. It precedes the outcome on the same channel; members
	// resolved without a provider call never see it.
	Dispatched bool
}

// Config holds batching parameters.
type Config struct {
	// MaxSize is the member count at which a batch flushes immediately.
	MaxSize int

	// Window bounds how long a batch may stay open, so small batches
	// still flush with bounded latency.
	Window time.Duration
}

// DefaultConfig returns sensible defaults for batching configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize: 8,
		Window:  100 * time.Millisecond,
	}
}

// Batcher groups enqueued subtasks by compatibility key and flushes them
// through the circuit-breaker-guarded provider executor. Safe for
// concurrent use.
type Batcher struct {
	cfg      Config
	exec     provider.Executor
	breakers *breaker.Registry
	logger   *logging.Logger
	metrics  *telemetry.Metrics

	mu     sync.Mutex
	open   map[string]*openBatch // compatibility key -> open batch
	closed bool

	flushes conc.WaitGroup
}

// member is one subtask waiting in an open batch.
type member struct {
	subtaskID string
	payload   []byte
	ch        chan Result
}

// openBatch is a batch still accepting members.
type openBatch struct {
	key      string // compatibility key
	provider string
	members  []member
	openedAt time.Time
	timer    *time.Timer
}

// New creates a Batcher dispatching through exec, guarded by breakers.
// A nil logger disables logging; a nil metrics records nothing.
func New(cfg Config, exec provider.Executor, breakers *breaker.Registry, logger *logging.Logger, metrics *telemetry.Metrics) *Batcher {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Batcher{
		cfg:      cfg,
		exec:     exec,
		breakers: breakers,
		logger:   logger,
		metrics:  metrics,
		open:     make(map[string]*openBatch),
	}
}

// Key builds the compatibility key for a provider and stage. Only
// subtasks with equal keys ever share a batch.
func Key(providerKey, stage string) string {
	return providerKey + "\x00" + stage
}

// Enqueue adds a subtask to the open batch for its compatibility key,
// opening one if needed. The returned channel delivers a Dispatched
// marker when the batch reaches the provider, then exactly one outcome;
// members resolved without a provider call (shed, removed, or closed)
// deliver the outcome alone.
func (b *Batcher) Enqueue(providerKey, stage, subtaskID string, payload []byte) <-chan Result {
	ch := make(chan Result, 2)
	m := member{subtaskID: subtaskID, payload: payload, ch: ch}
	key := Key(providerKey, stage)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ch <- Result{SubTaskID: subtaskID, Err: errors.ErrSchedulerClosed}
		return ch
	}

	ob, ok := b.open[key]
	if !ok {
		ob = &openBatch{
			key:      key,
			provider: providerKey,
			openedAt: time.Now(),
		}
		ob.timer = time.AfterFunc(b.cfg.Window, func() { b.flushExpired(ob) })
		b.open[key] = ob
	}
	ob.members = append(ob.members, m)

	if len(ob.members) >= b.cfg.MaxSize {
		// Full: flush immediately instead of waiting out the window.
		delete(b.open, key)
		ob.timer.Stop()
		b.spawnFlush(ob)
	}
	b.mu.Unlock()

	return ch
}

// Remove takes a subtask out of its open batch, if it is still waiting
// in one, and resolves its channel with ErrCancelled. Used for
// best-effort cancellation; returns false once the subtask's batch has
// already flushed.
func (b *Batcher) Remove(providerKey, stage, subtaskID string) bool {
	key := Key(providerKey, stage)

	b.mu.Lock()
	defer b.mu.Unlock()

	ob, ok := b.open[key]
	if !ok {
		return false
	}
	for i, m := range ob.members {
		if m.subtaskID == subtaskID {
			ob.members = append(ob.members[:i], ob.members[i+1:]...)
			if len(ob.members) == 0 {
				delete(b.open, key)
				ob.timer.Stop()
			}
			m.ch <- Result{SubTaskID: subtaskID, Err: errors.ErrCancelled}
			return true
		}
	}
	return false
}

// Close flushes nothing further and waits for in-flight flushes to
// resolve. Members still waiting in open batches are failed with
// ErrSchedulerClosed.
func (b *Batcher) Close() {
	b.mu.Lock()
	b.closed = true
	remaining := make([]*openBatch, 0, len(b.open))
	for key, ob := range b.open {
		ob.timer.Stop()
		remaining = append(remaining, ob)
		delete(b.open, key)
	}
	b.mu.Unlock()

	for _, ob := range remaining {
		for _, m := range ob.members {
			m.ch <- Result{SubTaskID: m.subtaskID, Err: errors.ErrSchedulerClosed}
		}
	}

	b.flushes.Wait()
}

// flushExpired handles the window timer firing for a batch. The batch
// may have been flushed by size in the meantime; only flush it if it is
// still the open batch for its key.
func (b *Batcher) flushExpired(ob *openBatch) {
	b.mu.Lock()
	current, ok := b.open[ob.key]
	if !ok || current != ob {
		b.mu.Unlock()
		return
	}
	delete(b.open, ob.key)
	b.spawnFlush(ob)
	b.mu.Unlock()
}

// spawnFlush runs the flush on its own goroutine, tracked so Close can
// wait for resolution. Must be called with b.mu held.
func (b *Batcher) spawnFlush(ob *openBatch) {
	b.flushes.Go(func() { b.flush(ob) })
}

// flush performs the single provider call for a batch and demultiplexes
// the response by position. A batch-level failure resolves every member
// with the same error.
func (b *Batcher) flush(ob *openBatch) {
	log := b.logger.WithProvider(ob.provider)

	if b.breakers != nil && !b.breakers.Allow(ob.provider) {
		b.metrics.BreakerShed()
		log.Debug("batch shed by open breaker", "members", len(ob.members))
		err := fmt.Errorf("%w: provider %s", errors.ErrCircuitOpen, ob.provider)
		for _, m := range ob.members {
			m.ch <- Result{SubTaskID: m.subtaskID, Err: err}
		}
		return
	}

	payloads := make([][]byte, len(ob.members))
	for i, m := range ob.members {
		payloads[i] = m.payload
		m.ch <- Result{SubTaskID: m.subtaskID, Dispatched: true}
	}

	b.metrics.BatchFlushed(len(ob.members))
	b.metrics.CallStarted()
	results, err := b.exec.Execute(context.Background(), ob.provider, payloads)
	b.metrics.CallFinished()

	if err != nil {
		if b.breakers != nil {
			b.breakers.RecordFailure(ob.provider)
		}
		log.Warn("batch call failed", "members", len(ob.members), "error", err.Error())
		batchErr := fmt.Errorf("%w: %w", errors.ErrBatch, err)
		for _, m := range ob.members {
			m.ch <- Result{SubTaskID: m.subtaskID, Err: batchErr}
		}
		return
	}

	if b.breakers != nil {
		b.breakers.RecordSuccess(ob.provider)
	}
	log.Debug("batch call succeeded", "members", len(ob.members),
		"open_for", time.Since(ob.openedAt).String())

	// Member order is preserved end to end, so results demultiplex by
	// position.
	for i, m := range ob.members {
		m.ch <- Result{SubTaskID: m.subtaskID, Output: results[i]}
	}
}
