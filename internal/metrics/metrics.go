package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "marketstream"

// Metrics holds the session's collectors.
type Metrics struct {
	FramesReceived      prometheus.Counter
	DecodeErrors        prometheus.Counter
	Unroutable          prometheus.Counter
	EventsDelivered     *prometheus.CounterVec // kind
	EventsDropped       *prometheus.CounterVec // kind
	BookGaps            *prometheus.CounterVec // instrument
	Rejections          prometheus.Counter
	StateTransitions    *prometheus.CounterVec // to
	ReconnectAttempts   prometheus.Counter
	ConnectionState     prometheus.Gauge
	ActiveSubscriptions prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests and library callers without a
// metrics endpoint want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames handed to the router.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Frames or payloads dropped because they could not be decoded.",
		}),
		Unroutable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unroutable_messages_total",
			Help:      "Messages dropped because their channel is unknown or not subscribed.",
		}),
		EventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Domain events pushed to consumer buffers.",
		}, []string{"kind"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events evicted from full consumer buffers.",
		}, []string{"kind"}),
		BookGaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orderbook_gaps_total",
			Help:      "Order book sequence gaps that forced a resync.",
		}, []string{"instrument"}),
		Rejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_rejections_total",
			Help:      "Subscriptions rejected by the server.",
		}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_state_transitions_total",
			Help:      "Connection state transitions by target state.",
		}, []string{"to"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect dial attempts.",
		}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 closed).",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_subscriptions",
			Help:      "Channels with at least one attached consumer.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.FramesReceived,
			m.DecodeErrors,
			m.Unroutable,
			m.EventsDelivered,
			m.EventsDropped,
			m.BookGaps,
			m.Rejections,
			m.StateTransitions,
			m.ReconnectAttempts,
			m.ConnectionState,
			m.ActiveSubscriptions,
		)
	}
	return m
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
