package temporal

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/deepresearch/internal/review"
	"github.com/Kocoro-lab/deepresearch/internal/workflows"
)

const heartbeatInterval = 30 * time.Second

// Runner executes a research request. *workflows.Engine implements it.
type Runner interface {
	Run(ctx context.Context, goal, locale string, opts workflows.RunOptions) (*workflows.Result, error)
}

// Activities hosts the research engine inside a Temporal worker.
type Activities struct {
	runner Runner
	logger *zap.Logger
}

func NewActivities(runner Runner, logger *zap.Logger) *Activities {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Activities{runner: runner, logger: logger}
}

// RunResearch runs the engine to completion, heartbeating while it works.
func (a *Activities) RunResearch(ctx context.Context, in ResearchInput) (ResearchOutput, error) {
	info := activity.GetInfo(ctx)
	runID := in.RunID
	if runID == "" {
		runID = info.WorkflowExecution.ID
	}
	a.logger.Info("RunResearch activity started",
		zap.String("run_id", runID),
		zap.Int32("attempt", info.Attempt),
	)

	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	go heartbeat(hbCtx, heartbeatInterval)

	res, err := a.runner.Run(ctx, in.Goal, in.Locale, workflows.RunOptions{
		RunID:                   runID,
		Entry:                   "temporal",
		MaxPlanIterations:       in.MaxPlanIterations,
		MaxSubagents:            in.MaxSubagents,
		AutoAcceptPlan:          in.AutoAcceptPlan,
		BackgroundInvestigation: in.BackgroundInvestigation,
	})
	if err != nil {
		switch {
		case errors.Is(err, review.ErrProtocolViolation):
			return ResearchOutput{}, temporal.NewNonRetryableApplicationError(err.Error(), ProtocolViolationError, err)
		case errors.Is(err, review.ErrReviewTimeout):
			return ResearchOutput{}, temporal.NewNonRetryableApplicationError(err.Error(), ReviewTimeoutError, err)
		}
		return ResearchOutput{}, err
	}
	return outputFrom(res), nil
}

func outputFrom(res *workflows.Result) ResearchOutput {
	out := ResearchOutput{
		RunID:          res.RunID,
		Outcome:        string(res.Outcome),
		Report:         res.Report,
		Reply:          res.Reply,
		PlanIterations: res.PlanIterations,
		Observations:   len(res.Observations),
		DurationMs:     res.Duration.Milliseconds(),
	}
	for _, r := range res.Results {
		if r.Degraded {
			out.Failed++
		} else {
			out.Succeeded++
		}
	}
	return out
}

func heartbeat(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			activity.RecordHeartbeat(ctx)
		}
	}
}

// Register adds the research workflow and activity to a worker.
func Register(r worker.Registry, acts *Activities) {
	r.RegisterWorkflowWithOptions(ResearchWorkflow, workflow.RegisterOptions{Name: ResearchWorkflowName})
	r.RegisterActivityWithOptions(acts.RunResearch, activity.RegisterOptions{Name: RunResearchActivity})
}
