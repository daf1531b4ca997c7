package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transfer_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transfer_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Transfer metrics
	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transfer_requests_total",
			Help: "Total number of transfer requests by terminal outcome",
		},
		[]string{"outcome"},
	)

	RelayIntentsConsumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transfer_relay_intents_consumed_total",
			Help: "Total number of relay intents credited and removed",
		},
	)

	RelayIntentsReversed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transfer_relay_intents_reversed_total",
			Help: "Total number of relay intents expired and reversed",
		},
	)

	PendingRelayIntents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "transfer_relay_intents_pending",
			Help: "Pending relay intents observed at the last consumer poll",
		},
	)

	CompensationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transfer_compensation_failures_total",
			Help: "Reversals of applied debits that could not be completed",
		},
	)
)
