package browser

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "browserpool"

// Eviction reasons recorded by the pool.
const (
	EvictUnhealthy = "unhealthy"
	EvictClosed    = "closed"
	EvictDegraded  = "degraded"
)

// Metrics tracks pool and command counters.
type Metrics struct {
	ConnectionsCreated atomic.Int64
	ConnectionsEvicted atomic.Int64
	ActiveConnections  atomic.Int64
	StartFailures      atomic.Int64

	CommandCount    atomic.Int64
	CommandFailures atomic.Int64
	CommandTimeouts atomic.Int64
	Disconnects     atomic.Int64

	active        prometheus.Gauge
	created       prometheus.Counter
	evicted       *prometheus.CounterVec
	startFailures *prometheus.CounterVec
	commands      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
}

// NewMetrics creates a metrics collector whose prometheus collectors are
// registered with reg. A nil reg keeps them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_active",
			Help:      "Number of pooled worker connections.",
		}),
		created: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_created_total",
			Help:      "Worker connections started by the pool.",
		}),
		evicted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_evicted_total",
			Help:      "Worker connections removed from the pool, by reason.",
		}, []string{"reason"}),
		startFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connection_start_failures_total",
			Help:      "Worker connections that failed to start, by failure code.",
		}, []string{"code"}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_total",
			Help:      "Commands sent to workers, by command and outcome.",
		}, []string{"command", "outcome"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "command_duration_seconds",
			Help:      "Round-trip latency of worker commands.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"command"}),
	}
}

// RecordConnectionCreated counts a connection that started and entered the pool.
func (m *Metrics) RecordConnectionCreated() {
	if m == nil {
		return
	}
	m.ConnectionsCreated.Add(1)
	m.ActiveConnections.Add(1)
	m.created.Inc()
	m.active.Inc()
}

// RecordConnectionEvicted counts a connection leaving the pool.
func (m *Metrics) RecordConnectionEvicted(reason string) {
	if m == nil {
		return
	}
	m.ConnectionsEvicted.Add(1)
	m.ActiveConnections.Add(-1)
	m.evicted.WithLabelValues(reason).Inc()
	m.active.Dec()
}

// RecordStartFailure counts a connection that could not be started.
func (m *Metrics) RecordStartFailure(err error) {
	if m == nil {
		return
	}
	m.StartFailures.Add(1)
	m.startFailures.WithLabelValues(strings.ToLower(string(Code(err)))).Inc()
}

// RecordCommand counts a completed command and observes its latency.
func (m *Metrics) RecordCommand(command string, err error, latency time.Duration) {
	if m == nil {
		return
	}
	m.CommandCount.Add(1)
	outcome := "ok"
	if err != nil {
		m.CommandFailures.Add(1)
		outcome = strings.ToLower(string(Code(err)))
		switch {
		case errors.Is(err, ErrCommandTimeout):
			m.CommandTimeouts.Add(1)
		case errors.Is(err, ErrDisconnected):
			m.Disconnects.Add(1)
		}
	}
	m.commands.WithLabelValues(command, outcome).Inc()
	m.latency.WithLabelValues(command).Observe(latency.Seconds())
}

// Snapshot returns a point-in-time snapshot of all counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		ConnectionsCreated: m.ConnectionsCreated.Load(),
		ConnectionsEvicted: m.ConnectionsEvicted.Load(),
		ActiveConnections:  m.ActiveConnections.Load(),
		StartFailures:      m.StartFailures.Load(),
		CommandCount:       m.CommandCount.Load(),
		CommandFailures:    m.CommandFailures.Load(),
		CommandTimeouts:    m.CommandTimeouts.Load(),
		Disconnects:        m.Disconnects.Load(),
	}
}

// MetricsSnapshot is a point-in-time copy of pool metrics.
type MetricsSnapshot struct {
	ConnectionsCreated int64 `json:"connections_created"`
	ConnectionsEvicted int64 `json:"connections_evicted"`
	ActiveConnections  int64 `json:"active_connections"`
	StartFailures      int64 `json:"start_failures"`
	CommandCount       int64 `json:"command_count"`
	CommandFailures    int64 `json:"command_failures"`
	CommandTimeouts    int64 `json:"command_timeouts"`
	Disconnects        int64 `json:"disconnects"`
}
