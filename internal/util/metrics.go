package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersIdempotentReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_orders_idempotent_replays_total",
		Help: "Total number of create-order calls answered from an existing order",
	})

	OrdersRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_orders_rejected_total",
		Help: "Total number of rejected order creations",
	}, []string{"reason"})

	OrdersPaidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_orders_paid_total",
		Help: "Total number of orders successfully paid",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_orders_failed_total",
		Help: "Total number of failed orders",
	}, []string{"reason"})

	PaymentsInitiatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_initiated_total",
		Help: "Total number of payment intents created at a gateway",
	}, []string{"gateway"})

	GatewayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payments_gateway_request_duration_seconds",
		Help:    "Latency of payment gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"gateway", "operation"})

	GatewayErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_gateway_errors_total",
		Help: "Total number of failed payment gateway calls",
	}, []string{"gateway", "operation"})

	WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_webhooks_total",
		Help: "Webhook deliveries by gateway and outcome",
	}, []string{"gateway", "outcome"})

	RefundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_refunds_total",
		Help: "Total number of completed refunds",
	})

	RefundedCentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_refunded_cents_total",
		Help: "Refunded amount in minor units",
	}, []string{"currency"})

	ReconcilerSweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_reconciler_sweeps_total",
		Help: "Reconciler sweeps by result",
	}, []string{"result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
