package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the prometheus instrument set. Registered once at startup and
// served from the gateway's /metrics endpoint.
type Metrics struct {
	// InboundMessages counts inbound messages by channel and chat type.
	InboundMessages *prometheus.CounterVec

	// AgentTurns counts agent turns by terminal status (ok|aborted|error).
	AgentTurns *prometheus.CounterVec

	// TurnDuration observes end-to-end turn latency by provider.
	TurnDuration *prometheus.HistogramVec

	// TokensUsed counts tokens by provider, model and direction
	// (input|output).
	TokensUsed *prometheus.CounterVec

	// Deliveries counts outbound payload deliveries by channel and result
	// (ok|retried|failed|suppressed).
	Deliveries *prometheus.CounterVec

	// DeliveryRetries counts retry attempts by channel and error kind.
	DeliveryRetries *prometheus.CounterVec

	// QueueDepth gauges queued messages per session key.
	QueueDepth *prometheus.GaugeVec

	// QueueDropped counts overflow victims by drop policy.
	QueueDropped *prometheus.CounterVec

	// GatewayConnections gauges live websocket control connections.
	GatewayConnections prometheus.Gauge

	// GatewayRequests counts RPC requests by method and outcome (ok|error).
	GatewayRequests *prometheus.CounterVec
}

// NewMetrics registers the instrument set on the given registerer; pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		InboundMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clawdis",
			Name:      "inbound_messages_total",
			Help:      "Inbound messages received per channel.",
		}, []string{"channel", "chat_type"}),

		AgentTurns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clawdis",
			Name:      "agent_turns_total",
			Help:      "Agent turns by terminal status.",
		}, []string{"status"}),

		TurnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clawdis",
			Name:      "turn_duration_seconds",
			Help:      "Agent turn latency.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"provider"}),

		TokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clawdis",
			Name:      "tokens_total",
			Help:      "Token usage by provider and direction.",
		}, []string{"provider", "model", "direction"}),

		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clawdis",
			Name:      "deliveries_total",
			Help:      "Outbound payload deliveries by result.",
		}, []string{"channel", "result"}),

		DeliveryRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clawdis",
			Name:      "delivery_retries_total",
			Help:      "Delivery retry attempts by error kind.",
		}, []string{"channel", "kind"}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clawdis",
			Name:      "queue_depth",
			Help:      "Messages waiting per session queue.",
		}, []string{"session"}),

		QueueDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clawdis",
			Name:      "queue_dropped_total",
			Help:      "Messages dropped on queue overflow.",
		}, []string{"policy"}),

		GatewayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "clawdis",
			Name:      "gateway_connections",
			Help:      "Live gateway websocket connections.",
		}),

		GatewayRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clawdis",
			Name:      "gateway_requests_total",
			Help:      "Gateway RPC requests by method and outcome.",
		}, []string{"method", "outcome"}),
	}
}
