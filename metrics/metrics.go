// Package metrics exposes Prometheus collectors for the relay.
//
// A nil *Metrics is valid and records nothing, so every component can take one
// unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rpc_relay"

type Metrics struct {
	transportState   *prometheus.GaugeVec
	reconnects       *prometheus.CounterVec
	messagesIn       *prometheus.CounterVec
	messagesOut      *prometheus.CounterVec
	droppedSends     *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	attachedChannels *prometheus.GaugeVec
	pendingCalls     prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transportState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "state",
			Help:      "Current connection state per endpoint (0=disconnected 1=connecting 2=connected 3=closing).",
		}, []string{"endpoint"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts started by the reconnect timer.",
		}, []string{"endpoint"}),
		messagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_received_total",
			Help:      "Messages received from upstream.",
		}, []string{"endpoint"}),
		messagesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_sent_total",
			Help:      "Messages written upstream.",
		}, []string{"endpoint"}),
		droppedSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "dropped_sends_total",
			Help:      "Sends dropped because the transport was not connected.",
		}, []string{"endpoint"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mux",
			Name:      "deliveries_total",
			Help:      "Events delivered to attached channels.",
		}, []string{"endpoint", "event"}),
		attachedChannels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mux",
			Name:      "attached_channels",
			Help:      "Channels currently attached per endpoint.",
		}, []string{"endpoint"}),
		pendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "pending_calls",
			Help:      "Calls awaiting a response across all in-process clients.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.transportState,
			m.reconnects,
			m.messagesIn,
			m.messagesOut,
			m.droppedSends,
			m.deliveries,
			m.attachedChannels,
			m.pendingCalls,
		)
	}
	return m
}

func (m *Metrics) SetTransportState(endpoint string, state int) {
	if m == nil {
		return
	}
	m.transportState.WithLabelValues(endpoint).Set(float64(state))
}

func (m *Metrics) ReconnectAttempt(endpoint string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) MessageReceived(endpoint string) {
	if m == nil {
		return
	}
	m.messagesIn.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) MessageSent(endpoint string) {
	if m == nil {
		return
	}
	m.messagesOut.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) SendDropped(endpoint string) {
	if m == nil {
		return
	}
	m.droppedSends.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) Delivered(endpoint, event string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.deliveries.WithLabelValues(endpoint, event).Add(float64(n))
}

func (m *Metrics) SetAttached(endpoint string, n int) {
	if m == nil {
		return
	}
	m.attachedChannels.WithLabelValues(endpoint).Set(float64(n))
}

func (m *Metrics) PendingAdd(delta int) {
	if m == nil {
		return
	}
	m.pendingCalls.Add(float64(delta))
}

// Forget drops all series of an endpoint once it is disconnected.
func (m *Metrics) Forget(endpoint string) {
	if m == nil {
		return
	}
	m.transportState.DeleteLabelValues(endpoint)
	m.reconnects.DeleteLabelValues(endpoint)
	m.messagesIn.DeleteLabelValues(endpoint)
	m.messagesOut.DeleteLabelValues(endpoint)
	m.droppedSends.DeleteLabelValues(endpoint)
	m.attachedChannels.DeleteLabelValues(endpoint)
	m.deliveries.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
}
