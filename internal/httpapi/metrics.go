package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles Prometheus collectors for the HTTP API and the event
// pipeline.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	sseClients      prometheus.Gauge
	rateLimited     prometheus.Counter

	notificationsRouted *prometheus.CounterVec
	duplicatesDropped   prometheus.Counter
	reconnects          prometheus.Counter
	effectsApplied      prometheus.Counter
	effectsReverted     prometheus.Counter
	chatSendFailures    prometheus.Counter
}

func newMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunereactor",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests received",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tunereactor",
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		sseClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tunereactor",
			Name:      "sse_clients",
			Help:      "Current connected SSE clients",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tunereactor",
			Name:      "http_rate_limited_total",
			Help:      "Number of HTTP requests rejected due to rate limiting",
		}),
		notificationsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunereactor",
			Name:      "notifications_routed_total",
			Help:      "Notifications routed through the rule matcher",
		}, []string{"source"}),
		duplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tunereactor",
			Name:      "duplicate_notifications_total",
			Help:      "Notifications dropped by the message id dedup cache",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tunereactor",
			Name:      "socket_reconnects_total",
			Help:      "EventSub socket reconnect attempts",
		}),
		effectsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tunereactor",
			Name:      "effects_applied_total",
			Help:      "Scheduled effects that reached the applied state",
		}),
		effectsReverted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tunereactor",
			Name:      "effects_reverted_total",
			Help:      "Applied effects that were reverted",
		}),
		chatSendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tunereactor",
			Name:      "chat_send_failures_total",
			Help:      "Chat message sends that failed",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.sseClients,
		m.rateLimited,
		m.notificationsRouted,
		m.duplicatesDropped,
		m.reconnects,
		m.effectsApplied,
		m.effectsReverted,
		m.chatSendFailures,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records timing and status information.
func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

// IncSSEClients adjusts the SSE client gauge by delta.
func (m *Metrics) IncSSEClients(delta float64) {
	if m == nil {
		return
	}
	m.sseClients.Add(delta)
}

// IncRateLimited increments the rate limit counter.
func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// IncNotificationsRouted counts one routed notification for source.
func (m *Metrics) IncNotificationsRouted(source string) {
	if m == nil {
		return
	}
	m.notificationsRouted.WithLabelValues(source).Inc()
}

// IncDuplicatesDropped counts one dedup drop.
func (m *Metrics) IncDuplicatesDropped() {
	if m == nil {
		return
	}
	m.duplicatesDropped.Inc()
}

// IncReconnects counts one socket reconnect attempt.
func (m *Metrics) IncReconnects() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// IncEffectsApplied counts one applied effect.
func (m *Metrics) IncEffectsApplied() {
	if m == nil {
		return
	}
	m.effectsApplied.Inc()
}

// IncEffectsReverted counts one reverted effect.
func (m *Metrics) IncEffectsReverted() {
	if m == nil {
		return
	}
	m.effectsReverted.Inc()
}

// IncChatSendFailures counts one failed chat send.
func (m *Metrics) IncChatSendFailures() {
	if m == nil {
		return
	}
	m.chatSendFailures.Inc()
}
