package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Matching-core collectors. Label sets are small fixed enums so cardinality
// stays bounded:
//
//   - outcome: done | retry | failed | stale (tasks), sent | failed | parked (notifications)
//   - type:    STANDARD | TRIANGLE
//   - status:  PENDING | RUNNING | DONE | FAILED
//   - step:    maintenance step name
var (
	// TasksProcessed counts finished task attempts by outcome.
	TasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matcher_tasks_processed_total",
			Help: "Task attempts finished, by outcome.",
		},
		[]string{"outcome"},
	)

	// TaskDuration records the wall time of one task attempt.
	TaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "matcher_task_duration_seconds",
			Help:    "Duration of one matching task attempt in seconds.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		},
	)

	// ClaimedTasks counts rows handed out by the claim protocol.
	ClaimedTasks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "matcher_tasks_claimed_total",
			Help: "Tasks claimed by worker loops.",
		},
	)

	// MatchesCreated counts committed match groups by type.
	MatchesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matcher_match_groups_created_total",
			Help: "Committed match groups, by match type.",
		},
		[]string{"type"},
	)

	// CandidateRejections counts candidates dropped by a domain rejection.
	CandidateRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matcher_candidate_rejections_total",
			Help: "Candidates rejected during matching, by algorithm and reason.",
		},
		[]string{"algorithm", "reason"},
	)

	// Notifications counts notification sends by outcome.
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matcher_notifications_total",
			Help: "Outbox notification sends, by outcome.",
		},
		[]string{"outcome"},
	)

	// QueueDepth gauges tasks by status; refreshed by maintenance and the
	// stats endpoint.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "matcher_queue_depth",
			Help: "Tasks in the queue, by status.",
		},
		[]string{"status"},
	)

	// MaintenanceStepDuration records each maintenance step by outcome.
	MaintenanceStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "matcher_maintenance_step_duration_seconds",
			Help:    "Duration of maintenance steps in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		TasksProcessed,
		TaskDuration,
		ClaimedTasks,
		MatchesCreated,
		CandidateRejections,
		Notifications,
		QueueDepth,
		MaintenanceStepDuration,
	)
}
