// Package metrics provides Prometheus collectors for the coordination
// bridge. All collectors live on an explicit registry owned by the Metrics
// value — no default-registry globals.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codeready-toolchain/relay/pkg/fabric"
	"github.com/codeready-toolchain/relay/pkg/projection"
)

// Metrics holds all collectors.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// WakeLatency measures enqueue-to-drain latency in the notification
	// fabric — the measured side of the push-delivery contract.
	WakeLatency prometheus.Histogram
}

// New creates a Metrics instance and registers gauges that read directly
// from the projection store and fabric.
func New(store *projection.Store, fab *fabric.Fabric) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total HTTP requests by method, path, and status",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"method", "path"},
		),
		WakeLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_notification_wake_seconds",
				Help:    "Enqueue-to-drain latency of inbox notifications",
				Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1},
			},
		),
	}
	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.WakeLatency)

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "relay_active_elicitations",
		Help: "Non-terminal elicitations in the projection",
	}, func() float64 { return float64(store.Stats().ActiveElicitations) }))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "relay_live_sessions",
		Help: "Live agent sessions",
	}, func() float64 { return float64(store.Stats().LiveSessions) }))
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "relay_events_applied_total",
		Help: "Sequence of the last applied event",
	}, func() float64 { return float64(store.Stats().AppliedSeq) }))
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "relay_security_violations_total",
		Help: "SecurityViolation events recorded",
	}, func() float64 { return float64(store.Stats().SecurityViolations) }))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "relay_inbox_queued",
		Help: "Notifications queued across all inboxes",
	}, func() float64 { return float64(fab.Stats().Queued) }))

	// Feed the fabric's latency observer into the histogram.
	fab.SetWakeObserver(func(d time.Duration) {
		m.WakeLatency.Observe(d.Seconds())
	})

	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed HTTP request.
func (m *Metrics) ObserveRequest(method, path, status string, elapsed time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
