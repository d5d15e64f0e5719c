// Package metrics exposes Prometheus instrumentation for the gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	MessagesTotal     *prometheus.CounterVec
	DetectionsTotal   *prometheus.CounterVec
	ProcessingSeconds prometheus.Histogram
	ForwardTotal      *prometheus.CounterVec
	PipelineErrors    prometheus.Counter
	Connections       prometheus.Counter
	ActiveSessions    prometheus.Gauge
	AuthFailures      prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		MessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailguard_messages_total",
			Help: "Messages processed, by policy action",
		}, []string{"action"}),
		DetectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailguard_detections_total",
			Help: "Sensitive data detections, by category",
		}, []string{"type"}),
		ProcessingSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailguard_processing_seconds",
			Help:    "Time spent processing one message",
			Buckets: prometheus.DefBuckets,
		}),
		ForwardTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailguard_forward_total",
			Help: "Upstream forward attempts, by result",
		}, []string{"result"}),
		PipelineErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "mailguard_pipeline_errors_total",
			Help: "Messages that failed processing",
		}),
		Connections: f.NewCounter(prometheus.CounterOpts{
			Name: "mailguard_smtp_connections_total",
			Help: "Accepted SMTP connections",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "mailguard_smtp_sessions_active",
			Help: "SMTP sessions in progress",
		}),
		AuthFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "mailguard_smtp_auth_failures_total",
			Help: "Failed SMTP AUTH attempts",
		}),
	}
}

// BrokerStats is the part of the event broker exported as metrics.
type BrokerStats interface {
	Subscribers() int
	Dropped() uint64
}

// WatchBroker exports subscriber and drop counts read from b at scrape time.
func (m *Metrics) WatchBroker(b BrokerStats) {
	if m == nil {
		return
	}
	f := promauto.With(m.registry)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "mailguard_event_subscribers",
		Help: "Connected live event subscribers",
	}, func() float64 { return float64(b.Subscribers()) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "mailguard_events_dropped_total",
		Help: "Events dropped on full subscriber queues",
	}, func() float64 { return float64(b.Dropped()) })
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveMessage records one processed message.
func (m *Metrics) ObserveMessage(action string, detectionTypes []string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(action).Inc()
	for _, t := range detectionTypes {
		m.DetectionsTotal.WithLabelValues(t).Inc()
	}
	m.ProcessingSeconds.Observe(elapsed.Seconds())
}

// ObserveError records one failed message.
func (m *Metrics) ObserveError(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.PipelineErrors.Inc()
	m.ProcessingSeconds.Observe(elapsed.Seconds())
}

// ObserveForward records an upstream forward result.
func (m *Metrics) ObserveForward(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.ForwardTotal.WithLabelValues(result).Inc()
}

// SessionStarted records an accepted connection.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.Connections.Inc()
	m.ActiveSessions.Inc()
}

// SessionEnded records a closed connection.
func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// AuthFailed records a rejected AUTH attempt.
func (m *Metrics) AuthFailed() {
	if m == nil {
		return
	}
	m.AuthFailures.Inc()
}
