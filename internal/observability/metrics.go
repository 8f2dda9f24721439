// Package observability provides Prometheus metrics, health checks, and logging.
//
// Uses github.com/prometheus/client_golang - the official Prometheus client.
// Chosen for its maturity, wide adoption, and seamless integration with
// the Prometheus ecosystem (Grafana, Alertmanager, etc.).
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the queue service.
// Metrics are automatically registered via promauto.
//
// Key metrics for monitoring:
//   - messages_received_total: Inbound message rate
//   - messages_sent_total: Successful delivery rate
//   - messages_dlq_total: Messages exhausting retries (alerts)
//   - delivery_duration_seconds: Latency distribution
//   - circuit_breaker_state: Downstream health (0=ok, 2=failing)
type Metrics struct {
	MessagesReceived    prometheus.Counter
	MessagesSent        prometheus.Counter
	MessagesDLQ         prometheus.Counter
	MessagesRetrying    prometheus.Counter
	MessagesThrottled   prometheus.Counter
	DeliveryDuration    prometheus.Histogram
	DeliveryAttempts    prometheus.Counter
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	CircuitBreakerState   prometheus.Gauge
	CircuitBreakerTrips   prometheus.Counter
	RateLimiterRejections prometheus.Counter
	QueueDepth            *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics.
// The namespace prefixes all metric names (e.g., "doneq_messages_sent_total").
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		MessagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of messages accepted via the ingress API",
		}),
		MessagesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of messages successfully delivered",
		}),
		MessagesDLQ: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dlq_total",
			Help:      "Total number of messages that exhausted retries and moved to DLQ",
		}),
		MessagesRetrying: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_retrying_total",
			Help:      "Total number of messages scheduled for a retry attempt",
		}),
		MessagesThrottled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_throttled_total",
			Help:      "Total number of delivery attempts deferred by rate limiting or an open circuit",
		}),
		DeliveryDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of webhook delivery attempts in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		DeliveryAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Total number of delivery attempts made",
		}),
		HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method and path",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		CircuitBreakerState: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current state of the delivery circuit breaker (0=closed, 1=half-open, 2=open)",
		}),
		CircuitBreakerTrips: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of times the delivery circuit breaker tripped to open state",
		}),
		RateLimiterRejections: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limiter_rejections_total",
			Help:      "Total number of delivery attempts rejected by the rate limiter",
		}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of messages currently in each status",
		}, []string{"status"}),
	}
}
