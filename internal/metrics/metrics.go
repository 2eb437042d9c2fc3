package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookEvents counts deliveries hitting the webhook endpoint only;
	// the client confirm path never increments it.
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_webhook_events_total",
		Help: "Webhook events received, by gateway and processing result.",
	}, []string{"gateway", "result"})

	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_transitions_total",
		Help: "Ledger status transitions, by from and to state.",
	}, []string{"from", "to"})

	gatewayCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_gateway_calls_total",
		Help: "Outbound gateway calls, by gateway, operation and status.",
	}, []string{"gateway", "op", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payments_request_duration_seconds",
		Help:    "HTTP request duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})
)

func IncWebhookEvent(gateway, result string) {
	WebhookEvents.WithLabelValues(gateway, result).Inc()
}

func IncTransition(from, to string) {
	transitions.WithLabelValues(from, to).Inc()
}

func IncGatewayCall(gateway, op, status string) {
	gatewayCalls.WithLabelValues(gateway, op, status).Inc()
}

func ObserveRequest(route, status string, seconds float64) {
	requestDuration.WithLabelValues(route, status).Observe(seconds)
}
