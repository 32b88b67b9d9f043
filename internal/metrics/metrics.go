package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_workflows_started_total",
			Help: "Total number of workflow runs started",
		},
		[]string{"workflow"},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_workflows_completed_total",
			Help: "Total number of workflow runs completed",
		},
		[]string{"workflow", "status"},
	)

	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conveyor_workflow_duration_seconds",
			Help:    "Workflow run duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
		},
		[]string{"workflow"},
	)

	// Step metrics
	StepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_steps_total",
			Help: "Total number of workflow steps executed",
		},
		[]string{"role", "status"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conveyor_step_duration_seconds",
			Help:    "Step execution duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"role"},
	)

	LoopAborts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conveyor_loop_aborts_total",
			Help: "Total number of runs aborted by the loop guard",
		},
	)

	// Dispatch metrics
	Dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_dispatches_total",
			Help: "Total number of task dispatches",
		},
		[]string{"role", "agent", "status"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conveyor_dispatch_duration_seconds",
			Help:    "Dispatch duration in seconds, including retries",
			Buckets: []float64{1, 5, 15, 60, 300, 600},
		},
		[]string{"role", "agent"},
	)

	DispatchRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_dispatch_retries_total",
			Help: "Total number of dispatch retry attempts",
		},
		[]string{"role", "agent"},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conveyor_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conveyor_sessions_active",
			Help: "Number of sessions currently active",
		},
	)

	SessionsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conveyor_sessions_recovered_total",
			Help: "Total number of sessions resumed after interruption",
		},
	)

	// Checkpoint metrics
	Checkpoints = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_checkpoints_total",
			Help: "Total number of workflow state checkpoints",
		},
		[]string{"status"},
	)

	CheckpointDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conveyor_checkpoint_duration_seconds",
			Help:    "Checkpoint write duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Audit writer metrics
	AuditQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conveyor_audit_queue_depth",
			Help: "Current depth of the async audit write queue",
		},
	)

	AuditWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_audit_writes_total",
			Help: "Total number of audit writes processed",
		},
		[]string{"kind", "status"},
	)

	// Event metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_events_published_total",
			Help: "Total number of progress events published",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conveyor_events_dropped_total",
			Help: "Total number of events dropped due to slow subscribers",
		},
	)

	// Circuit breaker metrics
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conveyor_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	BreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_breaker_trips_total",
			Help: "Total number of circuit breaker open transitions",
		},
		[]string{"name"},
	)
)

// RecordWorkflowStart records the beginning of a workflow run
func RecordWorkflowStart(workflow string) {
	WorkflowsStarted.WithLabelValues(workflow).Inc()
}

// RecordWorkflowMetrics records metrics for a completed workflow run
func RecordWorkflowMetrics(workflow, status string, durationSeconds float64) {
	WorkflowsCompleted.WithLabelValues(workflow, status).Inc()
	WorkflowDuration.WithLabelValues(workflow).Observe(durationSeconds)
}

// RecordStepMetrics records metrics for an executed step
func RecordStepMetrics(role, status string, durationSeconds float64) {
	StepsExecuted.WithLabelValues(role, status).Inc()
	StepDuration.WithLabelValues(role).Observe(durationSeconds)
}

// RecordDispatchMetrics records metrics for a finished dispatch
func RecordDispatchMetrics(role, agent, status string, durationSeconds float64, retries int) {
	Dispatches.WithLabelValues(role, agent, status).Inc()
	DispatchDuration.WithLabelValues(role, agent).Observe(durationSeconds)
	if retries > 0 {
		DispatchRetries.WithLabelValues(role, agent).Add(float64(retries))
	}
}

// RecordCheckpoint records a checkpoint write attempt
func RecordCheckpoint(status string, durationSeconds float64) {
	Checkpoints.WithLabelValues(status).Inc()
	CheckpointDuration.Observe(durationSeconds)
}

// RecordAuditWrite records one processed async audit write
func RecordAuditWrite(kind, status string) {
	AuditWrites.WithLabelValues(kind, status).Inc()
}

// SetAuditQueueDepth reports the current audit queue backlog
func SetAuditQueueDepth(depth int) {
	AuditQueueDepth.Set(float64(depth))
}

// RecordEventPublished records one published progress event
func RecordEventPublished(eventType string) {
	EventsPublished.WithLabelValues(eventType).Inc()
}

// RecordEventDropped records an event dropped on a slow subscriber
func RecordEventDropped() {
	EventsDropped.Inc()
}

// SetBreakerState reports a circuit breaker state change
func SetBreakerState(name string, state int) {
	BreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordBreakerTrip records a closed-to-open transition
func RecordBreakerTrip(name string) {
	BreakerTrips.WithLabelValues(name).Inc()
}
