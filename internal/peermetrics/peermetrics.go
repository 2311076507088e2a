// Package peermetrics exposes the peer node's Prometheus instrumentation,
// mirroring its in-process Stats counters (spec 3) into Prometheus.
package peermetrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics mirrors {sent, sendFail, recv, recvFail} plus connection gauges.
type Metrics struct {
	sent        prometheus.Counter
	sendFail    prometheus.Counter
	recv        prometheus.Counter
	recvFail    prometheus.Counter
	connections prometheus.Gauge

	sentCount     atomic.Int64
	sendFailCount atomic.Int64
	recvCount     atomic.Int64
	recvFailCount atomic.Int64
}

// Stats is a snapshot of the peer's Stats counters (spec 3).
type Stats struct {
	Sent     int64 `json:"sent"`
	SendFail int64 `json:"sendFail"`
	Recv     int64 `json:"recv"`
	RecvFail int64 `json:"recvFail"`
}

// New registers and returns the peer's metric set. A nil reg registers on a
// fresh private registry, so repeated New(nil) calls never collide.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "concord_peer_messages_sent_total",
			Help: "Outbound chat messages successfully delivered (direct stream or relay queue).",
		}),
		sendFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "concord_peer_messages_send_failed_total",
			Help: "Outbound chat messages that failed on every tier.",
		}),
		recv: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "concord_peer_messages_received_total",
			Help: "Inbound chat messages successfully parsed.",
		}),
		recvFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "concord_peer_messages_receive_failed_total",
			Help: "Inbound chat payloads that failed to parse.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "concord_peer_connections",
			Help: "Current number of tracked overlay connections.",
		}),
	}

	reg.MustRegister(m.sent, m.sendFail, m.recv, m.recvFail, m.connections)
	return m
}

func (m *Metrics) IncSent() {
	if m == nil {
		return
	}
	m.sent.Inc()
	m.sentCount.Add(1)
}

func (m *Metrics) IncSendFail() {
	if m == nil {
		return
	}
	m.sendFail.Inc()
	m.sendFailCount.Add(1)
}

func (m *Metrics) IncRecv() {
	if m == nil {
		return
	}
	m.recv.Inc()
	m.recvCount.Add(1)
}

func (m *Metrics) IncRecvFail() {
	if m == nil {
		return
	}
	m.recvFail.Inc()
	m.recvFailCount.Add(1)
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

// Snapshot returns the current Stats counters.
func (m *Metrics) Snapshot() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		Sent:     m.sentCount.Load(),
		SendFail: m.sendFailCount.Load(),
		Recv:     m.recvCount.Load(),
		RecvFail: m.recvFailCount.Load(),
	}
}
