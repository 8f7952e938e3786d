package master

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the dispatcher's Prometheus instruments
type Metrics struct {
	JobsSpawned    prometheus.Counter
	JobsCompleted  *prometheus.CounterVec // state: completed, failed
	JobsKilled     prometheus.Counter
	JobErrors      *prometheus.CounterVec // reason: exit, transport
	MaxConcurrency *prometheus.CounterVec // schedule_id
	RunningJobs    prometheus.Gauge
	TickDuration   prometheus.Histogram
}

// NewMetrics creates the instruments on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsSpawned: f.NewCounter(prometheus.CounterOpts{
			Name: "tock_jobs_spawned_total",
			Help: "Jobs sent to a worker",
		}),
		JobsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tock_jobs_completed_total",
			Help: "Jobs whose process exited, by final state",
		}, []string{"state"}),
		JobsKilled: f.NewCounter(prometheus.CounterOpts{
			Name: "tock_jobs_killed_total",
			Help: "Jobs confirmed killed by a worker",
		}),
		JobErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tock_job_errors_total",
			Help: "Job errors: nonzero exits and failed spawns",
		}, []string{"reason"}),
		MaxConcurrency: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tock_max_concurrency_rejections_total",
			Help: "Candidates dropped because their schedule hit max_running",
		}, []string{"schedule_id"}),
		RunningJobs: f.NewGauge(prometheus.GaugeOpts{
			Name: "tock_running_jobs",
			Help: "Entries in the running-job registry",
		}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tock_tick_duration_seconds",
			Help:    "Time from tick start until every admitted job was sent",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
