// Package metrics exposes the hub's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics, labelled by transport (websocket, sse, polling).
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cauce_connections_total",
		Help: "Total connections established, by transport",
	}, []string{"transport"})

	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cauce_connections_active",
		Help: "Current open connections, by transport",
	}, []string{"transport"})

	ConnectionsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cauce_connections_failed_total",
		Help: "Connection attempts refused or failed, by transport",
	}, []string{"transport"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cauce_sessions_active",
		Help: "Live sessions in the session table",
	})

	SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cauce_subscriptions_total",
		Help: "Subscription records held, all states",
	})

	// Publish and delivery metrics.
	PublishesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cauce_publishes_total",
		Help: "Signals accepted from publishers",
	})

	DeliveriesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cauce_deliveries_sent_total",
		Help: "Signal deliveries handed to a transport, by kind (first, retry)",
	}, []string{"kind"})

	DeliveriesAcked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cauce_deliveries_acked_total",
		Help: "Deliveries acknowledged by clients",
	})

	DeliveriesPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cauce_deliveries_pending",
		Help: "Deliveries awaiting acknowledgment",
	})

	DeadLettersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cauce_dead_letters_total",
		Help: "Deliveries moved to dead letters after retry exhaustion",
	})

	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cauce_webhook_deliveries_total",
		Help: "Outbound webhook POSTs, by outcome (ok, failed)",
	}, []string{"outcome"})

	// Guard-rail metrics.
	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cauce_rate_limited_total",
		Help: "Requests refused by the rate limiter",
	})

	AuthFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cauce_auth_failures_total",
		Help: "Hello attempts refused by the auth validator",
	})

	MethodDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cauce_method_duration_seconds",
		Help:    "JSON-RPC method handling latency",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
	}, []string{"method"})

	NATSIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cauce_nats_ingested_total",
		Help: "Signals ingested from the NATS bridge",
	})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
