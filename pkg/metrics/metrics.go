package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Event bus metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_events_published_total",
			Help: "Total number of events published by backend",
		},
		[]string{"backend"},
	)

	EventsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fabric_events_failed_total",
			Help: "Total number of publishes that exhausted all retries",
		},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_events_dropped_total",
			Help: "Total number of deliveries dropped by reason",
		},
		[]string{"reason"},
	)

	BusSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fabric_bus_subscriptions",
			Help: "Current number of active subscriptions",
		},
	)

	SubscriberInvocations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fabric_subscriber_invocations_total",
			Help: "Total number of subscriber callback invocations",
		},
	)

	SubscriberErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fabric_subscriber_errors_total",
			Help: "Total number of subscriber callbacks that returned an error",
		},
	)

	// Resilience metrics
	CircuitState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fabric_circuit_state",
			Help: "Circuit breaker state (0 = closed, 1 = open, 2 = half_open)",
		},
	)

	DLQSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fabric_dlq_size",
			Help: "Current number of entries in the dead-letter queue",
		},
	)

	DLQAdded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fabric_dlq_added_total",
			Help: "Total number of envelopes pushed to the dead-letter queue",
		},
	)

	DLQReplayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fabric_dlq_replayed_total",
			Help: "Total number of envelopes successfully replayed from the DLQ",
		},
	)

	// Task metrics
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_tasks_total",
			Help: "Total number of tasks reaching a terminal state by type and state",
		},
		[]string{"type", "state"},
	)

	TasksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fabric_tasks_active",
			Help: "Current number of queued or running tasks",
		},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fabric_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Alert metrics
	AlertsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_alerts_fired_total",
			Help: "Total number of alerts fired by rule and severity",
		},
		[]string{"rule", "severity"},
	)

	// Webhook metrics
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_webhook_deliveries_total",
			Help: "Total number of webhook deliveries by final status",
		},
		[]string{"status"},
	)

	WebhookDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fabric_webhook_delivery_seconds",
			Help:    "Webhook delivery duration in seconds including retries",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Rate limiter metrics
	RateLimitAllowed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fabric_ratelimit_allowed_total",
			Help: "Total number of rate-limit checks that were allowed",
		},
	)

	RateLimitDenied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fabric_ratelimit_denied_total",
			Help: "Total number of rate-limit checks that were denied",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fabric_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(EventsFailed)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(BusSubscriptions)
	prometheus.MustRegister(SubscriberInvocations)
	prometheus.MustRegister(SubscriberErrors)
	prometheus.MustRegister(CircuitState)
	prometheus.MustRegister(DLQSize)
	prometheus.MustRegister(DLQAdded)
	prometheus.MustRegister(DLQReplayed)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksActive)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(AlertsFired)
	prometheus.MustRegister(WebhookDeliveries)
	prometheus.MustRegister(WebhookDuration)
	prometheus.MustRegister(RateLimitAllowed)
	prometheus.MustRegister(RateLimitDenied)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
