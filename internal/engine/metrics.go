package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "walker_jobs_submitted_total",
		Help: "Total number of jobs handed to an executor.",
	})

	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walker_jobs_finished_total",
			Help: "Total number of terminal job writes by state.",
		},
		[]string{"state"},
	)

	activeRuns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "walker_active_runs",
		Help: "Number of executors currently running.",
	})

	adapterRunSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "walker_adapter_run_seconds",
			Help:    "Duration of adapter runs in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 180, 600},
		},
		[]string{"adapter"},
	)

	lateCompletions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "walker_late_completions_total",
		Help: "Executor results written over a timed_out job.",
	})

	waitTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "walker_wait_timeouts_total",
		Help: "Bounded waits that marked a job timed_out.",
	})
)

func init() {
	prometheus.MustRegister(jobsSubmitted, jobsFinished, activeRuns, adapterRunSeconds, lateCompletions, waitTimeouts)
}
