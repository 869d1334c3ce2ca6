package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orderdesk_jobs_enqueued_total", Help: "Action batches accepted by the queue"}, []string{"backend"})
	DedupCounter      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orderdesk_jobs_deduplicated_total", Help: "Enqueues ignored because a live job had the same id"}, []string{"backend"})
	JobSuccess        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orderdesk_jobs_completed_total", Help: "Action batches completed"}, []string{"backend"})
	JobRetries        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orderdesk_jobs_retried_total", Help: "Action batches that failed and were rescheduled"}, []string{"backend"})
	JobFailures       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orderdesk_jobs_failed_total", Help: "Action batches that exhausted their attempts"}, []string{"backend"})
	ActionCounter     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orderdesk_actions_total", Help: "Executed actions by type and outcome"}, []string{"action", "outcome"})
	JobDuration       = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "orderdesk_job_duration_seconds", Help: "Action batch execution time", Buckets: prometheus.DefBuckets})
	TransitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orderdesk_transitions_total", Help: "Status change requests by outcome"}, []string{"outcome"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "orderdesk_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})

	QueueWaiting      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orderdesk_queue_waiting", Help: "Jobs ready to run"})
	QueueActive       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orderdesk_queue_active", Help: "Jobs currently running"})
	QueueDelayed      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orderdesk_queue_delayed", Help: "Jobs waiting for a retry"})
	QueueProcessed24h = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orderdesk_queue_processed_24h", Help: "Jobs completed in the last 24 hours"})
	QueueFailed24h    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orderdesk_queue_failed_24h", Help: "Jobs failed in the last 24 hours"})
	QueueFailed1h     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orderdesk_queue_failed_1h", Help: "Jobs failed in the last hour"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			DedupCounter,
			JobSuccess,
			JobRetries,
			JobFailures,
			ActionCounter,
			JobDuration,
			TransitionCounter,
			RateLimitRejects,
			QueueWaiting,
			QueueActive,
			QueueDelayed,
			QueueProcessed24h,
			QueueFailed24h,
			QueueFailed1h,
		)
	})
	return promhttp.Handler()
}
