package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
)

const namespace = "mywant"

// Metrics implements mywant.Instruments on a private Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	transitions      *prometheus.CounterVec
	dispatches       *prometheus.CounterVec
	dispatchAttempts *prometheus.HistogramVec
	fires            *prometheus.CounterVec
	pendingReactions prometheus.Gauge
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

var _ mywant.Instruments = (*Metrics)(nil)

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "want",
				Name:      "transitions_total",
				Help:      "Committed want status transitions.",
			},
			[]string{"type", "from", "to"},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "total",
				Help:      "Agent dispatches by outcome.",
			},
			[]string{"type", "outcome"},
		),
		dispatchAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "attempts",
				Help:      "Dispatch attempts needed per reconcile pass.",
				Buckets:   []float64{1, 2, 3, 5, 8},
			},
			[]string{"type"},
		),
		fires: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "fires_total",
				Help:      "Recorded schedule fires.",
			},
			[]string{"type"},
		),
		pendingReactions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "reaction",
				Name:      "pending",
				Help:      "Live reactions awaiting a decision.",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
	}
	m.registry.MustRegister(
		m.transitions, m.dispatches, m.dispatchAttempts, m.fires, m.pendingReactions,
		m.httpRequests, m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) ObserveTransition(wantType string, from, to mywant.WantStatus) {
	m.transitions.WithLabelValues(wantType, string(from), string(to)).Inc()
}

func (m *Metrics) ObserveDispatch(wantType string, outcome string, attempts int) {
	m.dispatches.WithLabelValues(wantType, outcome).Inc()
	m.dispatchAttempts.WithLabelValues(wantType).Observe(float64(attempts))
}

func (m *Metrics) ObserveFire(wantType string) {
	m.fires.WithLabelValues(wantType).Inc()
}

func (m *Metrics) SetPendingReactions(n int) {
	m.pendingReactions.Set(float64(n))
}

// RecordHTTPRequest is called by the server middleware with the route template.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	statusLabel := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	m.httpDuration.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
}
