package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gantry", Name: "jobs_enqueued_total", Help: "Jobs accepted into the queue",
	}, []string{"queue"})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gantry", Name: "jobs_completed_total", Help: "Jobs acknowledged successfully"})
	JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gantry", Name: "jobs_retried_total", Help: "Failed jobs scheduled for retry"})
	JobsDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gantry", Name: "jobs_dead_letter_total", Help: "Jobs that exhausted their attempts"})
	JobsReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gantry", Name: "jobs_reclaimed_total", Help: "Expired leases returned to the ready queue"})

	BuildsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gantry", Name: "builds_started_total", Help: "Build pipeline executions started"})
	BuildsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gantry", Name: "builds_failed_total", Help: "Build pipeline failures by stage",
	}, []string{"stage"})
	BuildDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gantry", Name: "build_duration_seconds", Help: "Wall-clock build pipeline duration",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
	})
	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gantry", Name: "build_cache_hits_total", Help: "Build cache restores that found an entry"})

	SchedulerNoCapacity = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gantry", Name: "scheduler_no_capacity_total", Help: "Placements rejected for lack of node headroom",
	}, []string{"region"})

	HeartbeatsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gantry", Name: "node_heartbeats_total", Help: "Worker node heartbeats processed"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsRetried,
			JobsDeadLettered,
			JobsReclaimed,
			BuildsStarted,
			BuildsFailed,
			BuildDuration,
			CacheHits,
			SchedulerNoCapacity,
			HeartbeatsReceived,
		)
	})
	return promhttp.Handler()
}
