package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pedalboard_jobs_submitted_total", Help: "Jobs accepted for processing"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pedalboard_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "pedalboard_jobs_failed_total", Help: "Jobs that ended in failure"})
	MessagesRetried  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pedalboard_messages_retried_total", Help: "Queue messages returned for redelivery"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "pedalboard_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pedalboard_queue_depth", Help: "Ready queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pedalboard_inflight", Help: "Messages currently leased"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsFailed,
			MessagesRetried,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
