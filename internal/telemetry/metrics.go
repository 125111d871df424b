// Package telemetry exposes Prometheus metrics for the executor.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls metric collection.
type Config struct {
	Enabled       bool   `json:"enabled"`
	ListenAddress string `json:"listen_address"`
	Path          string `json:"path"`
	Namespace     string `json:"namespace"`
}

// Metrics records executor activity. A nil *Metrics, or one created with
// Enabled=false, is a valid no-op recorder.
type Metrics struct {
	registry *prometheus.Registry

	stateExecutions  *prometheus.CounterVec
	stateDuration    *prometheus.HistogramVec
	aggregations     *prometheus.CounterVec
	permitDecisions  *prometheus.CounterVec
	delegateSubmits  *prometheus.CounterVec
	circuitState     *prometheus.GaugeVec
	callbacks        *prometheus.CounterVec
	waitingInstances prometheus.Gauge
	expiredInstances prometheus.Counter
}

// NewMetrics registers the collectors on a private registry.
func NewMetrics(cfg Config) *Metrics {
	if !cfg.Enabled {
		return &Metrics{}
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "cdflow"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stateExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "state_executions_total",
			Help:      "State executions that reached a terminal status",
		}, []string{"state_type", "status"}),
		stateDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "state_execution_duration_seconds",
			Help:      "Wall time from start to terminal status",
			Buckets:   []float64{.01, .1, 1, 10, 60, 300, 1800, 3600, 86400},
		}, []string{"state_type"}),
		aggregations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "response_aggregations_total",
			Help:      "Fan-out result reductions by policy and outcome",
		}, []string{"policy", "status"}),
		permitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "permit_decisions_total",
			Help:      "Resource constraint gate decisions",
		}, []string{"decision"}),
		delegateSubmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "delegate_submissions_total",
			Help:      "Delegate task submissions by task type and result",
		}, []string{"task_type", "result"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "delegate_circuit_state",
			Help:      "Circuit breaker state per task type (0=closed, 1=open, 2=half-open)",
		}, []string{"task_type"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "callbacks_total",
			Help:      "Callbacks delivered to the executor",
		}, []string{"result"}),
		waitingInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "waiting_instances",
			Help:      "Instances currently waiting on correlation ids",
		}),
		expiredInstances: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "expired_instances_total",
			Help:      "Waiting instances expired by the scanner",
		}),
	}

	m.registry.MustRegister(
		m.stateExecutions,
		m.stateDuration,
		m.aggregations,
		m.permitDecisions,
		m.delegateSubmits,
		m.circuitState,
		m.callbacks,
		m.waitingInstances,
		m.expiredInstances,
	)
	return m
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordStateCompleted counts a terminal state execution.
func (m *Metrics) RecordStateCompleted(stateType, status string, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.stateExecutions.WithLabelValues(stateType, status).Inc()
	m.stateDuration.WithLabelValues(stateType).Observe(d.Seconds())
}

// RecordAggregation counts a fan-out reduction.
func (m *Metrics) RecordAggregation(policy, status string) {
	if !m.enabled() {
		return
	}
	m.aggregations.WithLabelValues(policy, status).Inc()
}

// RecordPermitDecision counts a gate decision.
func (m *Metrics) RecordPermitDecision(decision string) {
	if !m.enabled() {
		return
	}
	m.permitDecisions.WithLabelValues(decision).Inc()
}

// RecordDelegateSubmit counts a delegate submission ("ok", "error", "rejected").
func (m *Metrics) RecordDelegateSubmit(taskType, result string) {
	if !m.enabled() {
		return
	}
	m.delegateSubmits.WithLabelValues(taskType, result).Inc()
}

// SetCircuitState publishes a breaker state.
func (m *Metrics) SetCircuitState(taskType string, state int) {
	if !m.enabled() {
		return
	}
	m.circuitState.WithLabelValues(taskType).Set(float64(state))
}

// RecordCallback counts a callback by outcome: accepted, duplicate, parked,
// late or unknown.
func (m *Metrics) RecordCallback(result string) {
	if !m.enabled() {
		return
	}
	m.callbacks.WithLabelValues(result).Inc()
}

// AddWaiting moves the waiting-instances gauge.
func (m *Metrics) AddWaiting(delta float64) {
	if !m.enabled() {
		return
	}
	m.waitingInstances.Add(delta)
}

// RecordExpired counts an expired instance.
func (m *Metrics) RecordExpired() {
	if !m.enabled() {
		return
	}
	m.expiredInstances.Inc()
}

// Registry exposes the underlying registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// NewServer builds the metrics HTTP server; the caller runs and stops it.
func (m *Metrics) NewServer(cfg Config) *http.Server {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	return &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
