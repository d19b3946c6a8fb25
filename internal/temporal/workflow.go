// Package temporal runs research requests as durable Temporal workflows.
package temporal

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	ResearchWorkflowName = "ResearchWorkflow"
	RunResearchActivity  = "RunResearch"
	DefaultTaskQueue     = "deepresearch"

	// ProtocolViolationError is the application error type of a run aborted
	// by an invalid review answer. It is never retried.
	ProtocolViolationError = "ProtocolViolation"

	// ReviewTimeoutError marks a run nobody reviewed in time.
	ReviewTimeoutError = "ReviewTimeout"
)

// ResearchInput starts a workflow. Optional fields fall back to the
// worker's configuration.
type ResearchInput struct {
	RunID                   string `json:"run_id,omitempty"`
	Goal                    string `json:"goal"`
	Locale                  string `json:"locale,omitempty"`
	MaxPlanIterations       int    `json:"max_plan_iterations,omitempty"`
	MaxSubagents            int    `json:"max_subagents,omitempty"`
	AutoAcceptPlan          *bool  `json:"auto_accept_plan,omitempty"`
	BackgroundInvestigation *bool  `json:"background_investigation,omitempty"`
}

// ResearchOutput is the workflow result.
type ResearchOutput struct {
	RunID          string `json:"run_id"`
	Outcome        string `json:"outcome"`
	Report         string `json:"report,omitempty"`
	Reply          string `json:"reply,omitempty"`
	PlanIterations int    `json:"plan_iterations"`
	Observations   int    `json:"observations"`
	Succeeded      int    `json:"succeeded"`
	Failed         int    `json:"failed"`
	DurationMs     int64  `json:"duration_ms"`
}

// WorkflowOptions bounds the single research activity.
type WorkflowOptions struct {
	RunTimeout       time.Duration
	HeartbeatTimeout time.Duration
	MaxAttempts      int32
}

var defaultWorkflowOptions = WorkflowOptions{
	RunTimeout:       2 * time.Hour,
	HeartbeatTimeout: 2 * time.Minute,
	MaxAttempts:      2,
}

// ResearchWorkflow runs one research request as a single long activity.
// The engine already degrades per-task failures, so the activity is only
// retried for worker crashes and timeouts.
func ResearchWorkflow(ctx workflow.Context, in ResearchInput) (ResearchOutput, error) {
	logger := workflow.GetLogger(ctx)
	if in.RunID == "" {
		in.RunID = workflow.GetInfo(ctx).WorkflowExecution.ID
	}
	logger.Info("Starting ResearchWorkflow",
		"run_id", in.RunID,
		"locale", in.Locale,
	)

	opts := defaultWorkflowOptions
	actx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: opts.RunTimeout,
		HeartbeatTimeout:    opts.HeartbeatTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        5 * time.Second,
			BackoffCoefficient:     2.0,
			MaximumAttempts:        opts.MaxAttempts,
			NonRetryableErrorTypes: []string{ProtocolViolationError, ReviewTimeoutError},
		},
	})

	var out ResearchOutput
	if err := workflow.ExecuteActivity(actx, RunResearchActivity, in).Get(ctx, &out); err != nil {
		logger.Error("Research activity failed", "run_id", in.RunID, "error", err)
		return ResearchOutput{RunID: in.RunID, Outcome: "failed"}, err
	}
	logger.Info("ResearchWorkflow completed",
		"run_id", out.RunID,
		"outcome", out.Outcome,
		"observations", out.Observations,
	)
	return out, nil
}
