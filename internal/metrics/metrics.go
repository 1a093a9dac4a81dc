package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailqueue_jobs_enqueued_total",
		Help: "Total number of email jobs admitted to the queue",
	})
	JobsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailqueue_jobs_sent_total",
		Help: "Total number of email jobs delivered to the transport successfully",
	})
	JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailqueue_jobs_retried_total",
		Help: "Total number of failed attempts that were re-queued at the front",
	})
	// reason is one of: exhausted, cleared, shutdown
	JobsDiscarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailqueue_jobs_discarded_total",
		Help: "Total number of email jobs dropped without being sent",
	}, []string{"reason"})
	// outcome is one of: success, failure, timeout
	SendAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailqueue_send_attempts_total",
		Help: "Total number of transport send attempts by outcome",
	}, []string{"transport", "outcome"})
	SendDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailqueue_send_duration_seconds",
		Help:    "Latency of transport send attempts",
		Buckets: prometheus.DefBuckets,
	}, []string{"transport"})
	PendingJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailqueue_pending_jobs",
		Help: "Number of jobs waiting in the queue",
	})
	Draining = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailqueue_draining",
		Help: "1 while the drain loop is active",
	})
	APIRequestsLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailqueue_api_rate_limited_total",
		Help: "Total number of API requests rejected by the per-IP rate limiter",
	})
)

func init() {
	prometheus.MustRegister(JobsEnqueued)
	prometheus.MustRegister(JobsSent)
	prometheus.MustRegister(JobsRetried)
	prometheus.MustRegister(JobsDiscarded)
	prometheus.MustRegister(SendAttempts)
	prometheus.MustRegister(SendDuration)
	prometheus.MustRegister(PendingJobs)
	prometheus.MustRegister(Draining)
	prometheus.MustRegister(APIRequestsLimited)
}

// SetQueueDepth records the current queue depth.
func SetQueueDepth(n int) {
	PendingJobs.Set(float64(n))
}

// SetDraining records whether the drain loop is running.
func SetDraining(active bool) {
	if active {
		Draining.Set(1)
		return
	}
	Draining.Set(0)
}

// Handler exposes the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
