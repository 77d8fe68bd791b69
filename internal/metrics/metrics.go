// Package metrics exposes bridge counters in Prometheus format. Every method
// is safe on a nil *Bridge so callers can run without metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"wabridge/internal/domain"
)

var states = []domain.ConnectionState{
	domain.StateConnecting,
	domain.StateOpen,
	domain.StateClosed,
	domain.StateLoggedOut,
}

// Bridge holds the relay and supervisor metrics.
type Bridge struct {
	relayed         *prometheus.CounterVec
	sendFailures    prometheus.Counter
	reasonerLatency *prometheus.HistogramVec
	reconnects      prometheus.Counter
	state           *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Bridge {
	m := &Bridge{
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wabridge",
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Inbound messages by relay outcome",
		}, []string{"outcome"}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wabridge",
			Subsystem: "relay",
			Name:      "send_failures_total",
			Help:      "Replies the transport failed to deliver",
		}),
		reasonerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wabridge",
			Subsystem: "reasoner",
			Name:      "request_seconds",
			Help:      "Latency of reasoning service calls",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"status"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wabridge",
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Session reopen attempts after a transient disconnect",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wabridge",
			Subsystem: "session",
			Name:      "state",
			Help:      "1 for the current connection state, 0 otherwise",
		}, []string{"state"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.relayed, m.sendFailures, m.reasonerLatency, m.reconnects, m.state)
	return m
}

func (m *Bridge) ObserveRelay(outcome string) {
	if m == nil {
		return
	}
	m.relayed.WithLabelValues(outcome).Inc()
}

func (m *Bridge) ObserveSendFailure() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

func (m *Bridge) ObserveReasoner(seconds float64, failed bool) {
	if m == nil {
		return
	}
	status := "ok"
	if failed {
		status = "error"
	}
	m.reasonerLatency.WithLabelValues(status).Observe(seconds)
}

func (m *Bridge) ObserveReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Bridge) SetState(current domain.ConnectionState) {
	if m == nil {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		m.state.WithLabelValues(string(s)).Set(v)
	}
}
