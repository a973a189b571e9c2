package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transfer metrics
	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_transfers_total",
			Help: "Transfer requests by priority and outcome",
		},
		[]string{"priority", "outcome"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "handoff_queue_depth",
			Help: "Pending transfer requests waiting in queue",
		},
		[]string{"priority"},
	)

	manualQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "handoff_manual_queue_depth",
			Help: "Transfer requests waiting for manual assignment",
		},
	)

	queueWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "handoff_queue_wait_seconds",
			Help:    "Time from transfer request to assignment",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"priority"},
	)

	// Assignment metrics
	assignmentsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "handoff_assignments_active",
			Help: "Number of currently active assignments",
		},
	)

	handleTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "handoff_handle_time_seconds",
			Help:    "Time from assignment to completion or release",
			Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800, 3600, 7200},
		},
	)

	orphansRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "handoff_orphans_recovered_total",
			Help: "Active assignments re-queued after their agent became unreachable",
		},
	)

	capacityExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "handoff_capacity_exhausted_total",
			Help: "Dispatch attempts that found no agent with a free slot",
		},
	)

	slaBreaches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_sla_breaches_total",
			Help: "Pending requests that exceeded the queue-wait SLA",
		},
		[]string{"priority"},
	)

	// Agent metrics
	agentsReachable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "handoff_agents_reachable",
			Help: "Agents with a heartbeat inside the timeout",
		},
	)
)

// RecordTransfer counts a transfer request reaching an outcome such as "queued" or "completed".
func RecordTransfer(priority, outcome string) {
	transfersTotal.WithLabelValues(priority, outcome).Inc()
}

// RecordAssigned observes how long a request waited before it was assigned.
func RecordAssigned(priority string, wait time.Duration) {
	transfersTotal.WithLabelValues(priority, "assigned").Inc()
	queueWait.WithLabelValues(priority).Observe(wait.Seconds())
}

// RecordHandled observes the handle time of a finished assignment.
func RecordHandled(d time.Duration) {
	handleTime.Observe(d.Seconds())
}

// SetQueueDepth sets the current queue depth per priority tier.
func SetQueueDepth(depth map[string]int) {
	for priority, n := range depth {
		queueDepth.WithLabelValues(priority).Set(float64(n))
	}
}

func SetManualQueueDepth(n int64) {
	manualQueueDepth.Set(float64(n))
}

func SetActiveAssignments(n int) {
	assignmentsActive.Set(float64(n))
}

func SetReachableAgents(n int) {
	agentsReachable.Set(float64(n))
}

func IncOrphansRecovered() {
	orphansRecovered.Inc()
}

func IncCapacityExhausted() {
	capacityExhausted.Inc()
}

func IncSLABreach(priority string) {
	slaBreaches.WithLabelValues(priority).Inc()
}
