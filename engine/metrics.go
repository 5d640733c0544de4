package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_executions_total",
			Help: "Total number of executions by language and terminal status.",
		},
		[]string{"language", "status"},
	)

	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runbox_execution_duration_seconds",
			Help:    "Execution duration from workspace allocation to result, in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"language"},
	)

	executionsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runbox_executions_in_flight",
			Help: "Number of executions currently holding a concurrency slot.",
		},
	)

	queueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runbox_execution_queue_wait_seconds",
			Help:    "Time spent waiting for a concurrency slot, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	cleanupFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runbox_cleanup_failures_total",
			Help: "Total number of per-request resources that could not be released.",
		},
	)

	rejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_rejections_total",
			Help: "Total number of requests rejected before execution, by error kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(executionsTotal)
	prometheus.MustRegister(executionDuration)
	prometheus.MustRegister(executionsInFlight)
	prometheus.MustRegister(queueWait)
	prometheus.MustRegister(cleanupFailures)
	prometheus.MustRegister(rejectionsTotal)
}
