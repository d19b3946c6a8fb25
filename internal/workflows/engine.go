// Package workflows drives a research run through the router's stages.
package workflows

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/deepresearch/internal/db"
	"github.com/Kocoro-lab/deepresearch/internal/llm"
	"github.com/Kocoro-lab/deepresearch/internal/metrics"
	"github.com/Kocoro-lab/deepresearch/internal/plan"
	"github.com/Kocoro-lab/deepresearch/internal/review"
	"github.com/Kocoro-lab/deepresearch/internal/streaming"
	"github.com/Kocoro-lab/deepresearch/internal/tools"
	"github.com/Kocoro-lab/deepresearch/internal/tracing"
	"github.com/Kocoro-lab/deepresearch/internal/workflows/patterns/execution"
	"github.com/Kocoro-lab/deepresearch/internal/workflows/router"
)

var (
	ErrIllegalTransition = errors.New("illegal stage transition")
	ErrMissingDependency = errors.New("missing engine dependency")
)

// GoalExtractor decides whether the input asks for research.
type GoalExtractor interface {
	ExtractGoal(ctx context.Context, input, locale string) (llm.Goal, bool, error)
}

// Planner returns the raw plan text for one iteration.
type Planner interface {
	GeneratePlan(ctx context.Context, req llm.PlanRequest) (string, error)
}

// Reporter writes the final report.
type Reporter interface {
	WriteReport(ctx context.Context, req llm.ReportRequest) (string, error)
}

// Checkpointer persists run state after each transition.
type Checkpointer interface {
	Save(ctx context.Context, cp db.Checkpoint) error
}

// Decomposer turns a goal or planned streams into parallel tasks.
type Decomposer interface {
	Decompose(ctx context.Context, goal string, n int) []execution.Task
	FromStreams(ctx context.Context, streams []plan.Stream) []execution.Task
}

// Dependencies are the collaborators a run needs. Goals, Planner, Reporter,
// Decomposer and Workers are required.
type Dependencies struct {
	Goals        GoalExtractor
	Planner      Planner
	Reporter     Reporter
	Reviewer     review.Reviewer
	Decomposer   Decomposer
	Workers      execution.WorkerFactory
	Tools        *tools.Registry
	Search       tools.Tool
	Checkpointer Checkpointer
	Publisher    streaming.Publisher
}

// Options are engine-wide limits. RunOptions may override some per run.
type Options struct {
	MaxPlanIterations       int
	MaxStepNum              int
	MaxSubagents            int
	AutoAcceptPlan          bool
	BackgroundInvestigation bool
	Parallel                execution.ParallelConfig
	Sequential              execution.SequentialConfig
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		MaxPlanIterations:       1,
		MaxStepNum:              3,
		MaxSubagents:            5,
		AutoAcceptPlan:          true,
		BackgroundInvestigation: true,
		Parallel:                execution.ParallelConfig{MaxConcurrency: 5, TaskTimeout: 5 * time.Minute, MaxAttempts: 1},
		Sequential:              execution.SequentialConfig{PassPreviousResults: true},
	}
}

// RunOptions tune a single run. Zero values keep the engine options.
type RunOptions struct {
	RunID string
	// Entry labels where the run came from (cli, http, temporal).
	Entry                   string
	MaxPlanIterations       int
	MaxSubagents            int
	AutoAcceptPlan          *bool
	BackgroundInvestigation *bool
}

type settings struct {
	maxIterations int
	maxSteps      int
	maxSubagents  int
	autoAccept    bool
	background    bool
	parallel      execution.ParallelConfig
}

// Engine runs research requests. It is safe to call Run concurrently; each
// run owns its State.
type Engine struct {
	deps      Dependencies
	mu        sync.RWMutex
	opts      Options
	executor  *execution.SequentialExecutor
	observers []Observer
	logger    *zap.Logger
}

func NewEngine(deps Dependencies, opts Options, logger *zap.Logger, observers ...Observer) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch {
	case deps.Goals == nil:
		return nil, fmt.Errorf("%w: goal extractor", ErrMissingDependency)
	case deps.Planner == nil:
		return nil, fmt.Errorf("%w: planner", ErrMissingDependency)
	case deps.Reporter == nil:
		return nil, fmt.Errorf("%w: reporter", ErrMissingDependency)
	case deps.Decomposer == nil:
		return nil, fmt.Errorf("%w: decomposer", ErrMissingDependency)
	case deps.Workers == nil:
		return nil, fmt.Errorf("%w: worker factory", ErrMissingDependency)
	}
	if deps.Reviewer == nil {
		deps.Reviewer = review.AcceptAll
	}
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}
	opts = normalize(opts)

	e := &Engine{
		deps:     deps,
		opts:     opts,
		executor: execution.NewSequentialExecutor(deps.Workers, deps.Tools, opts.Sequential, logger),
		logger:   logger,
	}
	e.observers = append([]Observer{logObserver{logger}, metricsObserver{}, eventObserver{deps.Publisher}}, observers...)
	return e, nil
}

func normalize(opts Options) Options {
	if opts.MaxPlanIterations <= 0 {
		opts.MaxPlanIterations = 1
	}
	if opts.MaxSubagents < 2 {
		opts.MaxSubagents = 5
	}
	return opts
}

// UpdateOptions replaces the run limits used by runs started afterwards.
// Runs in flight keep the limits they started with. Sequential executor
// settings are fixed at construction.
func (e *Engine) UpdateOptions(opts Options) {
	opts = normalize(opts)
	e.mu.Lock()
	e.opts = opts
	e.mu.Unlock()
	e.logger.Info("Research limits updated",
		zap.Int("max_plan_iterations", opts.MaxPlanIterations),
		zap.Int("max_subagents", opts.MaxSubagents),
		zap.Int("max_concurrency", opts.Parallel.MaxConcurrency),
	)
}

func (e *Engine) settings(ro RunOptions) settings {
	e.mu.RLock()
	opts := e.opts
	e.mu.RUnlock()
	s := settings{
		maxIterations: opts.MaxPlanIterations,
		maxSteps:      opts.MaxStepNum,
		maxSubagents:  opts.MaxSubagents,
		autoAccept:    opts.AutoAcceptPlan,
		background:    opts.BackgroundInvestigation,
		parallel:      opts.Parallel,
	}
	if ro.MaxPlanIterations > 0 {
		s.maxIterations = ro.MaxPlanIterations
	}
	if ro.MaxSubagents >= 2 {
		s.maxSubagents = ro.MaxSubagents
	}
	if ro.AutoAcceptPlan != nil {
		s.autoAccept = *ro.AutoAcceptPlan
	}
	if ro.BackgroundInvestigation != nil {
		s.background = *ro.BackgroundInvestigation
	}
	return s
}

// Run drives one research request from the coordinator to the end stage.
// Only a review protocol violation, a cancelled context or an internal
// routing fault is returned as an error; everything else degrades.
func (e *Engine) Run(ctx context.Context, goal, locale string, ro RunOptions) (*Result, error) {
	runID := ro.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	entry := ro.Entry
	if entry == "" {
		entry = "api"
	}
	s := e.settings(ro)
	st := &State{RunID: runID, Goal: goal, Locale: locale, Stage: router.StageCoordinator, StepIndex: -1}

	ctx, span := tracing.StartSpan(ctx, "research.run")
	span.SetAttributes(attribute.String("run.id", runID), attribute.String("run.entry", entry))
	defer span.End()

	start := time.Now()
	metrics.RunsStarted.WithLabelValues(entry).Inc()
	e.logger.Info("Research run started",
		zap.String("run_id", runID),
		zap.String("entry", entry),
		zap.Int("max_plan_iterations", s.maxIterations),
		zap.Bool("auto_accept_plan", s.autoAccept),
	)

	for st.Stage != router.StageEnd {
		if err := ctx.Err(); err != nil {
			return nil, e.fail(st, start, "cancelled", err)
		}

		stage := st.Stage
		sctx, sspan := tracing.StartStageSpan(ctx, runID, string(stage))
		stageStart := time.Now()
		d, err := e.step(sctx, st, s)
		metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(stageStart).Seconds())
		if err != nil {
			sspan.RecordError(err)
			sspan.End()
			return nil, e.fail(st, start, "failed", fmt.Errorf("%s stage: %w", stage, err))
		}
		sspan.End()

		if d.From != stage || !router.Allowed(d.From, d.To) {
			return nil, e.fail(st, start, "failed", fmt.Errorf("%w: %s", ErrIllegalTransition, d))
		}
		if d.To == router.StageEnd {
			st.Outcome = outcomeFor(d.From)
		}
		for _, o := range e.observers {
			o.Transition(st, d)
		}
		st.Stage = d.To
		st.StepIndex = d.StepIndex
		e.checkpoint(ctx, st, "running")
	}

	elapsed := time.Since(start)
	metrics.RunsCompleted.WithLabelValues(string(st.Outcome)).Inc()
	metrics.RunDuration.WithLabelValues(string(st.Outcome)).Observe(elapsed.Seconds())
	metrics.PlanIterations.Observe(float64(st.PlanIterations))
	e.checkpoint(ctx, st, string(st.Outcome))
	e.deps.Publisher.Publish(runID, streaming.Event{
		Type:    streaming.EventRunCompleted,
		Message: string(st.Outcome),
		Data: map[string]interface{}{
			"plan_iterations": st.PlanIterations,
			"observations":    len(st.Observations),
			"duration_ms":     elapsed.Milliseconds(),
		},
	})
	e.logger.Info("Research run finished",
		zap.String("run_id", runID),
		zap.String("outcome", string(st.Outcome)),
		zap.Int("plan_iterations", st.PlanIterations),
		zap.Int("observations", len(st.Observations)),
		zap.Duration("duration", elapsed),
	)
	return resultFrom(st, elapsed), nil
}

func outcomeFor(from router.Stage) Outcome {
	switch from {
	case router.StageCoordinator:
		return OutcomeNoGoal
	case router.StagePlanner:
		return OutcomeNoPlan
	}
	return OutcomeCompleted
}

func (e *Engine) fail(st *State, start time.Time, outcome string, err error) error {
	metrics.RunsCompleted.WithLabelValues(outcome).Inc()
	metrics.RunDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	// The run context may already be done; the final checkpoint still goes out.
	e.checkpoint(context.Background(), st, outcome)
	e.logger.Error("Research run aborted",
		zap.String("run_id", st.RunID),
		zap.String("stage", string(st.Stage)),
		zap.Error(err),
	)
	return err
}

func (e *Engine) checkpoint(ctx context.Context, st *State, status string) {
	if e.deps.Checkpointer == nil {
		return
	}
	cp := db.Checkpoint{
		RunID:          st.RunID,
		Stage:          string(st.Stage),
		Status:         status,
		PlanIterations: st.PlanIterations,
		StateJSON:      st.marshal(),
	}
	if err := e.deps.Checkpointer.Save(ctx, cp); err != nil {
		e.logger.Warn("Checkpoint save failed",
			zap.String("run_id", st.RunID),
			zap.String("stage", string(st.Stage)),
			zap.Error(err),
		)
	}
}
