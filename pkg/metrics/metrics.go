package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Role is 1 if this node currently believes it is leader, 0 otherwise.
	Role = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "auditorctl_is_leader",
			Help: "Whether this node currently holds leadership (1 = leader, 0 = follower)",
		},
	)

	ActiveNodeCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "auditorctl_active_node_count",
			Help: "Number of node health keys observed on the last scan",
		},
	)

	MissedBeacons = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "auditorctl_missed_beacons",
			Help: "Consecutive beacon failures for this node",
		},
	)

	RoleTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditorctl_role_transitions_total",
			Help: "Total number of role changes by new role",
		},
		[]string{"role"},
	)

	SchedulingCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "auditorctl_scheduling_cycle_duration_seconds",
			Help:    "Time taken to complete one leader scheduling cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	CandidatesFoundTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "auditorctl_candidates_found_total",
			Help: "Total number of candidates returned by the candidate source",
		},
	)

	TasksScheduledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "auditorctl_tasks_scheduled_total",
			Help: "Total number of tasks pushed to the work queue",
		},
	)

	TasksProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditorctl_tasks_processed_total",
			Help: "Total number of tasks picked up by executors, by outcome",
		},
		[]string{"outcome"},
	)

	PipelineStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auditorctl_pipeline_stage_duration_seconds",
			Help:    "Time taken by each pipeline stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	HeartbeatCountTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "auditorctl_heartbeats_total",
			Help: "Total number of beacon cycles completed by this node",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Role,
		ActiveNodeCount,
		MissedBeacons,
		RoleTransitionsTotal,
		SchedulingCycleDuration,
		CandidatesFoundTotal,
		TasksScheduledTotal,
		TasksProcessedTotal,
		PipelineStageDuration,
		HeartbeatCountTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for later observation into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
