// Package telemetry wires the daemon's runtime counters into a dedicated
// Prometheus registry, giving prometheus/client_golang (declared in the
// teacher's go.mod but never mounted anywhere in its retrieved source) an
// actual home: routed/dropped/blocked message counts, stream connection
// state, and heartbeats sent, all surfaced by internal/introspect's
// /metrics handler.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric this daemon exports plus the registerer
// they're attached to. Handed to internal/introspect to back /metrics.
type Registry struct {
	Registerer *prometheus.Registry

	MessagesRouted  *prometheus.CounterVec
	MessagesDropped *prometheus.CounterVec
	HeartbeatsSent  prometheus.Counter
	StreamState     prometheus.Gauge
	ActiveSessions  prometheus.Gauge
}

// New builds a Registry with every metric pre-registered. Using a private
// registry (rather than prometheus.DefaultRegisterer) keeps this package
// safe to construct more than once, e.g. in tests.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		Registerer: reg,
		MessagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentd",
			Name:      "messages_routed_total",
			Help:      "Messages successfully routed to a worker, by target session.",
		}, []string{"agent_id"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentd",
			Name:      "messages_dropped_total",
			Help:      "Messages not delivered, by reason (filtered, mailbox_error, blocked, backpressure, no_match, worker_error).",
		}, []string{"reason"}),
		HeartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentd",
			Name:      "heartbeats_sent_total",
			Help:      "Heartbeat calls made to the bus across every registered agent.",
		}),
		StreamState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentd",
			Name:      "stream_connected",
			Help:      "1 if the event stream is currently connected, 0 otherwise.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentd",
			Name:      "active_sessions",
			Help:      "Number of active sessions found locally on the last discovery tick.",
		}),
	}

	reg.MustRegister(
		r.MessagesRouted,
		r.MessagesDropped,
		r.HeartbeatsSent,
		r.StreamState,
		r.ActiveSessions,
	)
	return r
}

// RecordRouted increments the routed counter for agentID.
func (r *Registry) RecordRouted(agentID string) {
	r.MessagesRouted.WithLabelValues(agentID).Inc()
}

// RecordDropped increments the dropped counter for reason.
func (r *Registry) RecordDropped(reason string) {
	r.MessagesDropped.WithLabelValues(reason).Inc()
}

// SetStreamConnected reflects the event stream's connectivity.
func (r *Registry) SetStreamConnected(connected bool) {
	if connected {
		r.StreamState.Set(1)
		return
	}
	r.StreamState.Set(0)
}
