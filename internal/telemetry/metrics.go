package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "scans_enqueued_total", Help: "Total enqueued scan jobs"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "scans_rate_limit_rejects_total", Help: "Enqueue requests rejected by the rate limiter"})
	ReorderCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "scans_reorders_total", Help: "Queue reorders applied"})
	ClaimCounter        = prometheus.NewCounter(prometheus.CounterOpts{Name: "scans_claimed_total", Help: "Jobs claimed by a worker slot"})
	WorkerSuccess       = prometheus.NewCounter(prometheus.CounterOpts{Name: "scans_completed_total", Help: "Jobs completed successfully"})
	WorkerFailures      = prometheus.NewCounter(prometheus.CounterOpts{Name: "scans_failed_total", Help: "Jobs that failed"})
	LeaseRecoveries     = prometheus.NewCounter(prometheus.CounterOpts{Name: "scans_lease_expired_total", Help: "Running jobs failed because their worker lease expired"})
	ProgressWrites      = prometheus.NewCounter(prometheus.CounterOpts{Name: "scans_progress_writes_total", Help: "Throttled progress writes persisted"})
	NotificationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notifications_created_total", Help: "Notifications created by type"}, []string{"type"})
	SessionEvents       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "session_events_total", Help: "Automation session events appended by type"}, []string{"type"})
	QueueDepthGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scans_queue_depth", Help: "Queued jobs across projects"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scans_inflight", Help: "Jobs currently running in this process"})
	JobDuration         = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scans_duration_seconds",
		Help:    "Wall time from claim to terminal state",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			ReorderCounter,
			ClaimCounter,
			WorkerSuccess,
			WorkerFailures,
			LeaseRecoveries,
			ProgressWrites,
			NotificationCounter,
			SessionEvents,
			QueueDepthGauge,
			InFlightGauge,
			JobDuration,
		)
	})
	return promhttp.Handler()
}
