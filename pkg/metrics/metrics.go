package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_jobs_total",
			Help: "Total number of jobs processed by type and final status",
		},
		[]string{"type", "status"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conveyor_job_duration_seconds",
			Help:    "Job processing time by type",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 600},
		},
		[]string{"type"},
	)

	JobsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conveyor_jobs_recovered_total",
			Help: "Jobs returned to pending after their lock expired",
		},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conveyor_queue_depth",
			Help: "Ready tasks per queue",
		},
		[]string{"queue"},
	)

	TasksEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_tasks_enqueued_total",
			Help: "Tasks enqueued by task name",
		},
		[]string{"task"},
	)

	TasksDeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conveyor_tasks_dead_lettered_total",
			Help: "Tasks that exhausted their retries",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_api_requests_total",
			Help: "API requests by method, path and status code",
		},
		[]string{"method", "path", "status"},
	)

	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter, by tier",
		},
		[]string{"tier"},
	)

	// Provider metrics
	ProviderTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_provider_tokens_total",
			Help: "Tokens consumed by model",
		},
		[]string{"model"},
	)

	ProviderCost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conveyor_provider_cost_dollars_total",
			Help: "Estimated provider spend in dollars",
		},
	)

	// Notification metrics
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_notifications_total",
			Help: "Notification deliveries by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(JobsRecovered)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(TasksEnqueued)
	prometheus.MustRegister(TasksDeadLettered)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(RateLimitRejections)
	prometheus.MustRegister(ProviderTokens)
	prometheus.MustRegister(ProviderCost)
	prometheus.MustRegister(NotificationsTotal)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
