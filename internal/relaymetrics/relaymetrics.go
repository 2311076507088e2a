// Package relaymetrics exposes the relay's Prometheus instrumentation.
package relaymetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics mirrors the nil-safe wrapper-method shape of the reference
// server's routerMetrics, retargeted at the relay HTTP API and the two
// background sweeps.
type Metrics struct {
	inviteCodesActive prometheus.Gauge
	queuedMessages     prometheus.Gauge
	requestsTotal      *prometheus.CounterVec
	requestErrors      *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	codesSwept         prometheus.Counter
	messagesSwept      prometheus.Counter
}

// New registers and returns the relay's metric set. A nil reg registers on a
// fresh private registry, so repeated New(nil) calls never collide.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		inviteCodesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "concord_relay_invite_codes_active",
			Help: "Current number of live invite codes.",
		}),
		queuedMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "concord_relay_queued_messages",
			Help: "Current number of queued (undelivered) messages across all recipients.",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "concord_relay_http_requests_total",
			Help: "Relay HTTP API requests by route.",
		}, []string{"route"}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "concord_relay_http_errors_total",
			Help: "Relay HTTP API errors by route and code.",
		}, []string{"route", "code"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "concord_relay_http_latency_seconds",
			Help:    "Relay HTTP API handler latency by route.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}, []string{"route"}),
		codesSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "concord_relay_codes_swept_total",
			Help: "Invite codes removed by the TTL sweep.",
		}),
		messagesSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "concord_relay_messages_swept_total",
			Help: "Queued messages removed by the TTL sweep.",
		}),
	}

	reg.MustRegister(
		m.inviteCodesActive,
		m.queuedMessages,
		m.requestsTotal,
		m.requestErrors,
		m.requestLatency,
		m.codesSwept,
		m.messagesSwept,
	)
	return m
}

func (m *Metrics) SetInviteCodesActive(n int) {
	if m == nil {
		return
	}
	m.inviteCodesActive.Set(float64(n))
}

func (m *Metrics) SetQueuedMessages(n int) {
	if m == nil {
		return
	}
	m.queuedMessages.Set(float64(n))
}

func (m *Metrics) ObserveRequest(route string, start time.Time, errCode string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route).Inc()
	m.requestLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	if errCode != "" {
		m.requestErrors.WithLabelValues(route, errCode).Inc()
	}
}

func (m *Metrics) RecordCodesSwept(n int) {
	if m == nil {
		return
	}
	m.codesSwept.Add(float64(n))
}

func (m *Metrics) RecordMessagesSwept(n int) {
	if m == nil {
		return
	}
	m.messagesSwept.Add(float64(n))
}
