// Package metrics declares the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReconcileOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giftpocket_reconcile_outcomes_total",
			Help: "Reconciliation results by trigger and outcome code",
		},
		[]string{"source", "code"},
	)

	GatewayAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giftpocket_gateway_verify_attempts_total",
			Help: "Upstream verify calls by result",
		},
		[]string{"result"},
	)

	GatewayDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "giftpocket_gateway_verify_duration_seconds",
			Help:    "Wall time of a verify call including retries",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giftpocket_webhook_events_total",
			Help: "Webhook deliveries by event type and result",
		},
		[]string{"event", "result"},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giftpocket_notifications_total",
			Help: "Notification deliveries by channel and result",
		},
		[]string{"channel", "result"},
	)
)
