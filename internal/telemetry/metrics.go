// Package telemetry exposes prometheus instrumentation for the weft
// core. Metrics are held by an explicitly constructed Metrics value with
// its own registry, created at process start and handed to the
// components that record into it, so tests can instantiate isolated
// instances instead of sharing ambient package state.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds the core's instrumentation. A nil *Metrics is valid and
// records nothing, so instrumentation stays optional at every call site.
type Metrics struct {
	registry *prometheus.Registry

	dispatches    prometheus.Counter
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	batchFlushes  prometheus.Counter
	batchMembers  prometheus.Histogram
	breakerOpens  prometheus.Counter
	breakerShed   prometheus.Counter
	retries       prometheus.Counter
	completions   prometheus.Counter
	failures      prometheus.Counter
	readyDepth    prometheus.Gauge
	inFlightCalls prometheus.Gauge
}

// New creates a Metrics with a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		dispatches:   prometheus.NewCounter(prometheus.CounterOpts{Name: "weft_subtasks_dispatched_total", Help: "Subtasks handed to the batcher"}),
		cacheHits:    prometheus.NewCounter(prometheus.CounterOpts{Name: "weft_cache_hits_total", Help: "Result cache hits"}),
		cacheMisses:  prometheus.NewCounter(prometheus.CounterOpts{Name: "weft_cache_misses_total", Help: "Result cache misses"}),
		batchFlushes: prometheus.NewCounter(prometheus.CounterOpts{Name: "weft_batch_flushes_total", Help: "Batches flushed to providers"}),
		batchMembers: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "weft_batch_members",
			Help:    "Members per flushed batch",
			Buckets: prometheus.LinearBuckets(1, 1, 16),
		}),
		breakerOpens:  prometheus.NewCounter(prometheus.CounterOpts{Name: "weft_breaker_opens_total", Help: "Circuit breaker open transitions"}),
		breakerShed:   prometheus.NewCounter(prometheus.CounterOpts{Name: "weft_breaker_shed_total", Help: "Dispatches rejected by an open breaker"}),
		retries:       prometheus.NewCounter(prometheus.CounterOpts{Name: "weft_retries_total", Help: "Subtask attempts that entered backoff"}),
		completions:   prometheus.NewCounter(prometheus.CounterOpts{Name: "weft_subtasks_completed_total", Help: "Subtasks completed successfully"}),
		failures:      prometheus.NewCounter(prometheus.CounterOpts{Name: "weft_subtasks_failed_total", Help: "Subtasks failed permanently"}),
		readyDepth:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "weft_ready_depth", Help: "Subtasks ready for dispatch across jobs"}),
		inFlightCalls: prometheus.NewGauge(prometheus.GaugeOpts{Name: "weft_provider_calls_inflight", Help: "Provider calls currently in flight"}),
	}

	m.registry.MustRegister(
		m.dispatches, m.cacheHits, m.cacheMisses,
		m.batchFlushes, m.batchMembers,
		m.breakerOpens, m.breakerShed,
		m.retries, m.completions, m.failures,
		m.readyDepth, m.inFlightCalls,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather collects the current metric families; used by tests.
func (m *Metrics) Gather() ([]*dto.MetricFamily, error) {
	if m == nil {
		return nil, nil
	}
	return m.registry.Gather()
}

// Dispatched records a subtask handed to the batcher.
func (m *Metrics) Dispatched() {
	if m != nil {
		m.dispatches.Inc()
	}
}

// CacheHit records a result cache hit.
func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

// CacheMiss records a result cache miss.
func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

// BatchFlushed records one flushed batch and its member count.
func (m *Metrics) BatchFlushed(members int) {
	if m != nil {
		m.batchFlushes.Inc()
		m.batchMembers.Observe(float64(members))
	}
}

// BreakerOpened records a closed-to-open breaker transition.
func (m *Metrics) BreakerOpened() {
	if m != nil {
		m.breakerOpens.Inc()
	}
}

// BreakerShed records a dispatch rejected by an open breaker.
func (m *Metrics) BreakerShed() {
	if m != nil {
		m.breakerShed.Inc()
	}
}

// Retried records an attempt that entered backoff.
func (m *Metrics) Retried() {
	if m != nil {
		m.retries.Inc()
	}
}

// Completed records a permanently completed subtask.
func (m *Metrics) Completed() {
	if m != nil {
		m.completions.Inc()
	}
}

// Failed records a permanently failed subtask.
func (m *Metrics) Failed() {
	if m != nil {
		m.failures.Inc()
	}
}

// SetReadyDepth sets the cross-job ready queue depth gauge.
func (m *Metrics) SetReadyDepth(n int) {
	if m != nil {
		m.readyDepth.Set(float64(n))
	}
}

// CallStarted increments the in-flight provider call gauge.
func (m *Metrics) CallStarted() {
	if m != nil {
		m.inFlightCalls.Inc()
	}
}

// CallFinished decrements the in-flight provider call gauge.
func (m *Metrics) CallFinished() {
	if m != nil {
		m.inFlightCalls.Dec()
	}
}
