package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "order_relay"

// Metrics holds the relay's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	changeEvents   *prometheus.CounterVec
	reconnects     prometheus.Counter
	listenerState  *prometheus.GaugeVec
	notifications  *prometheus.CounterVec
	broadcasts     *prometheus.CounterVec
	droppedSends   prometheus.Counter
	activeSessions prometheus.Gauge
	fanoutDuration prometheus.Histogram
}

// NewMetrics creates and registers collectors on reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Total number of REST requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "Duration of REST requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "path"}),
		changeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "listener", Name: "change_events_total",
			Help: "Change-feed messages received, by outcome.",
		}, []string{"outcome"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "listener", Name: "reconnects_total",
			Help: "Listener reconnect attempts after a failure.",
		}),
		listenerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "listener", Name: "state",
			Help: "1 for the listener's current state, 0 otherwise.",
		}, []string{"state"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fanout", Name: "notifications_total",
			Help: "Notification records by outcome (written, duplicate, lost).",
		}, []string{"outcome"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "broadcasts_total",
			Help: "Broadcasts issued, by outbound event name.",
		}, []string{"event"}),
		droppedSends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "dropped_messages_total",
			Help: "Outbound messages dropped because a session buffer was full.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "sessions",
			Help: "Currently connected sessions.",
		}),
		fanoutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "fanout", Name: "event_duration_seconds",
			Help:    "Time to fully process one change event.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}

	reg.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.changeEvents,
		m.reconnects,
		m.listenerState,
		m.notifications,
		m.broadcasts,
		m.droppedSends,
		m.activeSessions,
		m.fanoutDuration,
	)
	return m
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordRequest records a REST request.
func (m *Metrics) RecordRequest(path, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordChangeEvent counts a change-feed message by outcome ("accepted", "malformed", "rejected").
func (m *Metrics) RecordChangeEvent(outcome string) {
	if m == nil {
		return
	}
	m.changeEvents.WithLabelValues(outcome).Inc()
}

// RecordReconnect counts a listener reconnect attempt.
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// SetListenerState marks state as current and clears the others.
func (m *Metrics) SetListenerState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.listenerState.WithLabelValues(s).Set(v)
	}
}

// RecordNotification counts a per-recipient outcome.
func (m *Metrics) RecordNotification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
}

// RecordBroadcast counts a broadcast by event name.
func (m *Metrics) RecordBroadcast(event string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(event).Inc()
}

// RecordDroppedSend counts a message dropped on a full session buffer.
func (m *Metrics) RecordDroppedSend() {
	if m == nil {
		return
	}
	m.droppedSends.Inc()
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// ObserveFanout records how long one event took end to end.
func (m *Metrics) ObserveFanout(d time.Duration) {
	if m == nil {
		return
	}
	m.fanoutDuration.Observe(d.Seconds())
}
