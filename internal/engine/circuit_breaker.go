// Package engine implements the pluggable scrape-engine abstraction: a
// small Engine interface, a per-engine circuit breaker, a scoring router
// that picks the best available engine for a request, and a default HTTP
// engine. Grounded on original_source/src/engines/{traits,circuit_breaker,
// router}.rs, expressed with the teacher's small-interface-many-backends
// idiom (internal/storage.StorageBackend).
package engine

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Status is a circuit's position in the closed/open/half-open state
// machine.
type Status int

const (
	StatusClosed Status = iota
	StatusOpen
	StatusHalfOpen
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitConfig tunes one engine's breaker.
type CircuitConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	FailureWindow    time.Duration
}

// DefaultCircuitConfig mirrors original_source's CircuitConfig::default().
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		FailureWindow:    60 * time.Second,
	}
}

// CircuitStats is a point-in-time snapshot for observability.
type CircuitStats struct {
	IsOpen         bool
	FailureCount   int
	TotalRequests  uint64
	TotalFailures  uint64
	TotalSuccesses uint64
}

type circuitState struct {
	status            Status
	failureTimestamps []time.Time
	lastFailure       time.Time
	totalRequests     uint64
	totalFailures     uint64
	totalSuccesses    uint64
}

// circuitMetrics are the prometheus gauges/counters the breaker updates,
// grounded on original_source's metrics::counter!/gauge! calls.
type circuitMetrics struct {
	rejected *prometheus.CounterVec
	requests *prometheus.CounterVec
	failures *prometheus.CounterVec
	successes *prometheus.CounterVec
	status   *prometheus.GaugeVec
}

func newCircuitMetrics(reg prometheus.Registerer) *circuitMetrics {
	m := &circuitMetrics{
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlrs_circuit_breaker_rejected_total",
			Help: "Requests rejected because an engine's circuit was open.",
		}, []string{"engine"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlrs_circuit_breaker_requests_total",
			Help: "Requests attempted through an engine.",
		}, []string{"engine"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlrs_circuit_breaker_failures_total",
			Help: "Requests that failed through an engine.",
		}, []string{"engine"}),
		successes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlrs_circuit_breaker_successes_total",
			Help: "Requests that succeeded through an engine.",
		}, []string{"engine"}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawlrs_circuit_breaker_status",
			Help: "0=closed, 0.5=half_open, 1=open.",
		}, []string{"engine"}),
	}
	if reg != nil {
		reg.MustRegister(m.rejected, m.requests, m.failures, m.successes, m.status)
	}
	return m
}

// CircuitBreaker tracks one breaker per engine name, matching
// original_source's per-engine HashMap<String, CircuitState>.
type CircuitBreaker struct {
	mu      sync.Mutex
	states  map[string]*circuitState
	configs map[string]CircuitConfig
	def     CircuitConfig
	metrics *circuitMetrics
}

// NewCircuitBreaker builds a breaker using def for any engine without an
// explicit per-engine override. A nil registerer disables metrics
// registration (useful in tests run more than once in a process).
func NewCircuitBreaker(def CircuitConfig, reg prometheus.Registerer) *CircuitBreaker {
	return &CircuitBreaker{
		states:  make(map[string]*circuitState),
		configs: make(map[string]CircuitConfig),
		def:     def,
		metrics: newCircuitMetrics(reg),
	}
}

// SetConfig overrides the breaker config for one engine.
func (b *CircuitBreaker) SetConfig(engineName string, cfg CircuitConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.configs[engineName] = cfg
}

func (b *CircuitBreaker) configFor(engineName string) CircuitConfig {
	if cfg, ok := b.configs[engineName]; ok {
		return cfg
	}
	return b.def
}

func (b *CircuitBreaker) stateFor(engineName string) *circuitState {
	s, ok := b.states[engineName]
	if !ok {
		s = &circuitState{status: StatusClosed}
		b.states[engineName] = s
	}
	return s
}

// IsOpen reports whether engineName's breaker currently rejects requests,
// transitioning Open to HalfOpen once the recovery timeout has elapsed.
func (b *CircuitBreaker) IsOpen(engineName string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	cfg := b.configFor(engineName)
	state := b.stateFor(engineName)

	switch state.status {
	case StatusClosed:
		return false
	case StatusHalfOpen:
		return false
	case StatusOpen:
		if !state.lastFailure.IsZero() && time.Since(state.lastFailure) > cfg.RecoveryTimeout {
			state.status = StatusHalfOpen
			b.setStatusMetric(engineName, StatusHalfOpen)
			return false
		}
		if b.metrics != nil {
			b.metrics.rejected.WithLabelValues(engineName).Inc()
		}
		return true
	default:
		return false
	}
}

// RecordSuccess closes a half-open circuit and clears its failure history.
func (b *CircuitBreaker) RecordSuccess(engineName string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.stateFor(engineName)
	state.totalRequests++
	state.totalSuccesses++
	if b.metrics != nil {
		b.metrics.requests.WithLabelValues(engineName).Inc()
		b.metrics.successes.WithLabelValues(engineName).Inc()
	}

	if state.status == StatusHalfOpen {
		state.status = StatusClosed
		state.failureTimestamps = nil
		b.setStatusMetric(engineName, StatusClosed)
	}
}

// RecordFailure prunes failures outside the window, then opens the
// circuit once the threshold is reached (from closed) or immediately
// (from half-open).
func (b *CircuitBreaker) RecordFailure(engineName string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cfg := b.configFor(engineName)
	state := b.stateFor(engineName)

	now := time.Now()
	state.totalRequests++
	state.totalFailures++
	state.lastFailure = now
	state.failureTimestamps = append(state.failureTimestamps, now)

	cutoff := now.Add(-cfg.FailureWindow)
	i := 0
	for i < len(state.failureTimestamps) && state.failureTimestamps[i].Before(cutoff) {
		i++
	}
	state.failureTimestamps = state.failureTimestamps[i:]

	if b.metrics != nil {
		b.metrics.requests.WithLabelValues(engineName).Inc()
		b.metrics.failures.WithLabelValues(engineName).Inc()
	}

	switch state.status {
	case StatusClosed:
		if len(state.failureTimestamps) >= cfg.FailureThreshold {
			state.status = StatusOpen
			b.setStatusMetric(engineName, StatusOpen)
		}
	case StatusHalfOpen:
		state.status = StatusOpen
		b.setStatusMetric(engineName, StatusOpen)
	}
}

// Stats returns a snapshot for engineName.
func (b *CircuitBreaker) Stats(engineName string) CircuitStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.states[engineName]
	if !ok {
		return CircuitStats{}
	}
	return CircuitStats{
		IsOpen:         state.status == StatusOpen,
		FailureCount:   len(state.failureTimestamps),
		TotalRequests:  state.totalRequests,
		TotalFailures:  state.totalFailures,
		TotalSuccesses: state.totalSuccesses,
	}
}

func (b *CircuitBreaker) setStatusMetric(engineName string, status Status) {
	if b.metrics == nil {
		return
	}
	var v float64
	switch status {
	case StatusOpen:
		v = 1.0
	case StatusHalfOpen:
		v = 0.5
	default:
		v = 0.0
	}
	b.metrics.status.WithLabelValues(engineName).Set(v)
}
