// ABOUTME: Prometheus collectors for session lifecycle, message flow and HTTP traffic
// ABOUTME: A nil *Metrics is valid and records nothing, so tests can skip wiring it

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "relay"

// Metrics holds every collector the gateway exports.
type Metrics struct {
	sessions        *prometheus.GaugeVec
	reconnects      prometheus.Counter
	closures        *prometheus.CounterVec
	messages        *prometheus.CounterVec
	sendFailures    prometheus.Counter
	persistFailures prometheus.Counter
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions",
				Help:      "Live session supervisors by connection state.",
			},
			[]string{"state"},
		),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled after a transient close.",
		}),
		closures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_closures_total",
				Help:      "Protocol connection closures by reason.",
			},
			[]string{"reason"},
		),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Messages relayed by direction.",
			},
			[]string{"direction"},
		),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Outbound sends rejected or failed.",
		}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Message or chat summary writes that failed.",
		}),
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

	if reg != nil {
		reg.MustRegister(
			m.sessions,
			m.reconnects,
			m.closures,
			m.messages,
			m.sendFailures,
			m.persistFailures,
			m.httpRequests,
			m.httpDuration,
		)
	}
	return m
}

// SessionStateChanged moves one session from one state gauge to another.
// Empty from means the session is new; empty to means it is gone.
func (m *Metrics) SessionStateChanged(from, to string) {
	if m == nil || from == to {
		return
	}
	if from != "" {
		m.sessions.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.sessions.WithLabelValues(to).Inc()
	}
}

// Reconnect counts one scheduled reconnect.
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// Closure counts a connection close by reason label.
func (m *Metrics) Closure(reason string) {
	if m == nil {
		return
	}
	m.closures.WithLabelValues(reason).Inc()
}

// Message counts a relayed message; direction is "inbound" or "outbound".
func (m *Metrics) Message(direction string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(direction).Inc()
}

// SendFailure counts a failed outbound send.
func (m *Metrics) SendFailure() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

// PersistFailure counts a failed store write.
func (m *Metrics) PersistFailure() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	m.httpDuration.WithLabelValues(method, route, statusLabel).Observe(d.Seconds())
}
