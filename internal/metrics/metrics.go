package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_runs_started_total",
			Help: "Total number of research runs started",
		},
		[]string{"entry"},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_runs_completed_total",
			Help: "Total number of research runs finished, by outcome",
		},
		[]string{"outcome"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepresearch_run_duration_seconds",
			Help:    "Research run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"outcome"},
	)

	// Router metrics
	StageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_stage_transitions_total",
			Help: "Router transitions between stages",
		},
		[]string{"from", "to"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepresearch_stage_duration_seconds",
			Help:    "Time spent inside a stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	PlanParseFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepresearch_plan_parse_failures_total",
			Help: "Planner outputs that could not be parsed into a plan",
		},
	)

	PlanIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deepresearch_plan_iterations",
			Help:    "Plan iterations per run",
			Buckets: []float64{0, 1, 2, 3, 5, 8},
		},
	)

	// Subagent metrics
	SubagentTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_subagent_tasks_total",
			Help: "Subagent tasks dispatched, by role and outcome",
		},
		[]string{"role", "outcome"},
	)

	SubagentDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepresearch_subagent_duration_seconds",
			Help:    "Subagent task duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"role"},
	)

	SubagentTokens = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deepresearch_subagent_tokens",
			Help:    "Context tokens consumed per subagent task",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 25000, 50000},
		},
	)

	ParallelWidth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deepresearch_parallel_width",
			Help:    "Number of tasks in each fan-out",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8},
		},
	)

	// Tool metrics
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_tool_calls_total",
			Help: "Tool invocations by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	ToolLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepresearch_tool_latency_seconds",
			Help:    "Tool invocation latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	ToolCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_tool_cache_hits_total",
			Help: "Tool results served from cache",
		},
		[]string{"tool"},
	)

	// Model metrics
	ModelRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_model_requests_total",
			Help: "Language model requests by purpose and outcome",
		},
		[]string{"purpose", "outcome"},
	)

	ModelLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepresearch_model_latency_seconds",
			Help:    "Language model request latency",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"purpose"},
	)

	// Review metrics
	PlanReviews = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_plan_reviews_total",
			Help: "Plan review decisions",
		},
		[]string{"decision"},
	)

	// Streaming metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_events_published_total",
			Help: "Run events published, by type and sink",
		},
		[]string{"type", "sink"},
	)

	CheckpointWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_checkpoint_writes_total",
			Help: "Checkpoint writes by outcome",
		},
		[]string{"outcome"},
	)
)
