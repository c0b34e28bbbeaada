package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(jobsFinished, jobDuration, jobRetries, workersActive, queueDepth)
}

var (
	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_jobs_finished_total",
			Help: "Jobs leaving PROCESSING, by type and resulting status.",
		},
		[]string{"type", "status"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scribe_job_duration_seconds",
			Help:    "Wall time of one job attempt.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"type"},
	)

	jobRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_job_retries_total",
			Help: "Retries scheduled after a transient failure.",
		},
		[]string{"type"},
	)

	workersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribe_workers_active",
			Help: "Workers currently executing a job.",
		},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scribe_queue_jobs",
			Help: "Jobs by status as of the last maintenance sweep.",
		},
		[]string{"status"},
	)
)

// ObserveJob records one finished attempt. status is the job status the
// attempt ended in (PENDING for a scheduled retry).
func ObserveJob(jobType, status string, elapsed time.Duration) {
	jobsFinished.WithLabelValues(norm(jobType), norm(status)).Inc()
	jobDuration.WithLabelValues(norm(jobType)).Observe(elapsed.Seconds())
	if norm(status) == "pending" {
		jobRetries.WithLabelValues(norm(jobType)).Inc()
	}
}

// WorkerBusy adjusts the active worker gauge by delta
func WorkerBusy(delta int) {
	workersActive.Add(float64(delta))
}

// SetQueueDepth publishes a job count for status
func SetQueueDepth(status string, n int) {
	queueDepth.WithLabelValues(norm(status)).Set(float64(n))
}
