// ABOUTME: Prometheus collectors for requests, refreshes and watermark advances
// ABOUTME: Registered on a private registry and served through promhttp

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "directline"

// Refresh results recorded by ObserveRefresh.
const (
	RefreshOK      = "ok"
	RefreshSkipped = "skipped"
	RefreshFailed  = "failed"
	RefreshExpired = "expired"
)

// Metrics holds the collectors.
type Metrics struct {
	registry          *prometheus.Registry
	requests          *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	refreshes         *prometheus.CounterVec
	watermarkAdvances prometheus.Counter
	activities        *prometheus.CounterVec
	senderMismatches  prometheus.Counter
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Direct Line requests by operation and HTTP status (0 when no response arrived).",
		}, []string{"op", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Direct Line request latency by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_refreshes_total",
			Help:      "Session token refresh attempts by result.",
		}, []string{"result"}),
		watermarkAdvances: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watermark_advances_total",
			Help:      "Polls that moved the conversation watermark.",
		}),
		activities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activities_received_total",
			Help:      "Activities delivered to the caller by activity type.",
		}, []string{"type"}),
		senderMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sender_mismatches_total",
			Help:      "Echoes of sent messages that named a different sender.",
		}),
	}

	m.registry.MustRegister(
		m.requests,
		m.requestDuration,
		m.refreshes,
		m.watermarkAdvances,
		m.activities,
		m.senderMismatches,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records one completed Direct Line request.
func (m *Metrics) ObserveRequest(op string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(op, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveRefresh records a refresh attempt outcome.
func (m *Metrics) ObserveRefresh(result string) {
	m.refreshes.WithLabelValues(result).Inc()
}

// ObserveWatermarkAdvance records a poll that moved the watermark.
func (m *Metrics) ObserveWatermarkAdvance() {
	m.watermarkAdvances.Inc()
}

// ObserveActivity records an activity delivered to the caller.
func (m *Metrics) ObserveActivity(activityType string) {
	m.activities.WithLabelValues(activityType).Inc()
}

// ObserveSenderMismatch records an echo whose sender did not match the
// bound user.
func (m *Metrics) ObserveSenderMismatch() {
	m.senderMismatches.Inc()
}
