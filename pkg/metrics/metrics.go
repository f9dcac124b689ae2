package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsDecided counts inbound business events by decision outcome (send|skip).
	EventsDecided = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealerpulse_events_decided_total",
			Help: "Total number of notification decisions taken",
		},
		[]string{"module", "outcome"},
	)

	// TasksQueued counts delivery tasks accepted into the queue by channel.
	TasksQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealerpulse_tasks_queued_total",
			Help: "Total number of delivery tasks enqueued",
		},
		[]string{"channel"},
	)

	// Dispatches counts dispatch attempts by channel and result (sent|transient_failure|permanent_failure).
	Dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealerpulse_dispatches_total",
			Help: "Total number of delivery dispatch attempts",
		},
		[]string{"channel", "result"},
	)

	// WebhookEvents counts provider callbacks by provider and outcome (applied|ignored|rejected).
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealerpulse_webhook_events_total",
			Help: "Total number of inbound provider webhook events",
		},
		[]string{"provider", "outcome"},
	)

	// Retries counts re-enqueued delivery attempts by channel.
	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dealerpulse_retries_total",
			Help: "Total number of delivery tasks re-enqueued by the retry cycle",
		},
		[]string{"channel"},
	)

	// DispatchLatency measures transport round-trip time per channel.
	DispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dealerpulse_dispatch_latency_seconds",
			Help:    "Latency of channel transport dispatch calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	// QueueDepth tracks tasks currently waiting in the delivery queue.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dealerpulse_queue_depth",
			Help: "Number of delivery tasks in queued status",
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dealerpulse_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
