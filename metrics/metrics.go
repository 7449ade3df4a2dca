// Package metrics exposes Prometheus collectors for the RPC server.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rubin.dev/rpcnode/rpc"
	"rubin.dev/rpcnode/rpc/listener"
)

const namespace = "rubin"

// RPC implements dispatch.Recorder and listener.Observer.
type RPC struct {
	registry *prometheus.Registry

	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	lockWait     prometheus.Histogram
	openConns    *prometheus.GaugeVec
	rejected     *prometheus.CounterVec
	timerFires   *prometheus.CounterVec
	restRequests *prometheus.CounterVec
}

// New builds the collectors on a private registry together with the process
// and Go runtime collectors.
func New() *RPC {
	m := &RPC{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "calls_total",
				Help:      "Total number of dispatched RPC calls.",
			},
			[]string{"method", "code"},
		),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "call_duration_seconds",
				Help:      "Duration of RPC calls including gate checks.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
			},
			[]string{"method"},
		),
		lockWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "exclusive_lock_wait_seconds",
				Help:      "Time non thread-safe commands waited for the exclusive lock.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
		),
		openConns: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "open_connections",
				Help:      "Current number of accepted RPC connections.",
			},
			[]string{"transport"},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "rejected_connections_total",
				Help:      "Connections closed right after accept.",
			},
			[]string{"reason"},
		),
		timerFires: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "timer",
				Name:      "fired_total",
				Help:      "Deferred timer actions run, by timer kind.",
			},
			[]string{"kind"},
		),
		restRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rest",
				Name:      "requests_total",
				Help:      "REST requests by resource and HTTP status.",
			},
			[]string{"resource", "status"},
		),
	}
	m.registry.MustRegister(
		m.calls,
		m.callDuration,
		m.lockWait,
		m.openConns,
		m.rejected,
		m.timerFires,
		m.restRequests,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

func (m *RPC) ObserveCall(method string, code rpc.ErrorCode, elapsed time.Duration) {
	if m == nil {
		return
	}
	// Unknown names would let callers create unbounded label values.
	if code == rpc.ErrMethodNotFound {
		method = "unknown"
	}
	m.calls.WithLabelValues(method, strconv.Itoa(int(code))).Inc()
	m.callDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *RPC) ObserveLockWait(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(elapsed.Seconds())
}

func (m *RPC) ConnOpened(t listener.Transport) {
	if m == nil {
		return
	}
	m.openConns.WithLabelValues(t.String()).Inc()
}

func (m *RPC) ConnClosed(t listener.Transport) {
	if m == nil {
		return
	}
	m.openConns.WithLabelValues(t.String()).Dec()
}

func (m *RPC) ConnRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

// TimerFired counts by the part of the name before the first colon, so
// per-connection timers share one series.
func (m *RPC) TimerFired(name string) {
	if m == nil {
		return
	}
	kind, _, _ := strings.Cut(name, ":")
	m.timerFires.WithLabelValues(kind).Inc()
}

func (m *RPC) ObserveREST(resource string, status int) {
	if m == nil {
		return
	}
	m.restRequests.WithLabelValues(resource, strconv.Itoa(status)).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *RPC) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *RPC) Registry() *prometheus.Registry {
	return m.registry
}
