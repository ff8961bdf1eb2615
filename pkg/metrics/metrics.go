// Package metrics holds the Prometheus registry shared by the gateway and
// worker binaries: process/Go collectors plus a namespaced metric set on a
// standalone registry rather than the default global one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric either binary emits.
type Registry struct {
	registry *prometheus.Registry

	SyncDuration      *prometheus.HistogramVec
	SyncTotal         *prometheus.CounterVec
	FilesIndexed      *prometheus.CounterVec
	CircuitBreakerOpen *prometheus.GaugeVec
	ActiveUsers       prometheus.Gauge
	LastCycleTimestamp prometheus.Gauge

	MCPToolCalls *prometheus.CounterVec
	AuthFailures prometheus.Counter
}

// New creates and registers every metric on a standalone registry (not the
// default global one, so gateway and worker each own their instance).
func New(namespace string) *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	m := &Registry{
		registry: reg,
		SyncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one per-user reconcile cycle.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"user"}),
		SyncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "cycle_total",
			Help:      "Total number of per-user reconcile cycles.",
		}, []string{"result"}),
		FilesIndexed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "files_indexed_total",
			Help:      "Total number of files indexed into the RAG service.",
		}, []string{"user"}),
		CircuitBreakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "circuit_breaker_open",
			Help:      "1 if a user's sync circuit breaker is open (stopped), else 0.",
		}, []string{"user"}),
		ActiveUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "active_users",
			Help:      "Number of users with a valid, non-stopped sync configuration.",
		}),
		LastCycleTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix timestamp the scheduler last completed a full pass over all users.",
		}),
		MCPToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "mcp_tool_calls_total",
			Help:      "Total MCP tool invocations.",
		}, []string{"tool", "result"}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "auth_failures_total",
			Help:      "Total requests rejected for missing/invalid bearer tokens.",
		}),
	}

	reg.MustRegister(
		m.SyncDuration,
		m.SyncTotal,
		m.FilesIndexed,
		m.CircuitBreakerOpen,
		m.ActiveUsers,
		m.LastCycleTimestamp,
		m.MCPToolCalls,
		m.AuthFailures,
	)

	return m
}

// Handler serves the /metrics endpoint.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
