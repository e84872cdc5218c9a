// Package metrics provides the gateway's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

// destroyed sessions leave the registry, so they are not counted in any state.
const destroyedState = "destroyed"

// Metrics holds all gateway collectors on a private registry, so tests can
// create as many instances as they like.
type Metrics struct {
	registry *prometheus.Registry

	sessions         *prometheus.GaugeVec
	qrIssued         prometheus.Counter
	reconnects       *prometheus.CounterVec
	snapshots        *prometheus.CounterVec
	restores         *prometheus.CounterVec
	webhookDelivered *prometheus.CounterVec
	webhookDuration  prometheus.Histogram
	healthChecks     prometheus.Counter
}

// New creates and registers the collectors, plus the Go and process
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		sessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of registered sessions by state",
		}, []string{"state"}),
		qrIssued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "qr_issued_total",
			Help:      "Total number of QR codes issued to pairing rounds",
		}),
		reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total number of reconnect attempts by trigger reason",
		}, []string{"reason"}),
		snapshots: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Credential snapshot attempts by result (created, refused, error)",
		}, []string{"result"}),
		restores: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restores_total",
			Help:      "Credential restore attempts by result (restored, failed)",
		}, []string{"result"}),
		webhookDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries by result (success, failure)",
		}, []string{"result"}),
		webhookDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_duration_seconds",
			Help:      "Webhook delivery duration in seconds, retries included",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		healthChecks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Total number of health monitor passes",
		}),
	}
}

// Transition moves one session between state gauges. An empty from means the
// session was just created.
func (m *Metrics) Transition(from, to string) {
	if from != "" {
		m.sessions.WithLabelValues(from).Dec()
	}
	if to != destroyedState {
		m.sessions.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) QRIssued() { m.qrIssued.Inc() }

func (m *Metrics) Reconnect(reason string) { m.reconnects.WithLabelValues(reason).Inc() }

func (m *Metrics) Snapshot(result string) { m.snapshots.WithLabelValues(result).Inc() }

func (m *Metrics) Restore(result string) { m.restores.WithLabelValues(result).Inc() }

// HealthCheck counts one health monitor pass.
func (m *Metrics) HealthCheck() { m.healthChecks.Inc() }

// WebhookDelivered records a finished delivery.
func (m *Metrics) WebhookDelivered(success bool, d time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	m.webhookDelivered.WithLabelValues(result).Inc()
	m.webhookDuration.Observe(d.Seconds())
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
