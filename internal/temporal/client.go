package temporal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
)

// Dial connects to Temporal, retrying while the frontend comes up.
func Dial(ctx context.Context, host, namespace string, logger *zap.Logger) (client.Client, error) {
	var lastErr error
	for attempt := 1; attempt <= 15; attempt++ {
		c, err := client.Dial(client.Options{
			HostPort:  host,
			Namespace: namespace,
			Logger:    NewZapAdapter(logger),
		})
		if err == nil {
			return c, nil
		}
		lastErr = err
		delay := time.Duration(attempt) * time.Second
		logger.Warn("Temporal not ready, retrying",
			zap.Int("attempt", attempt),
			zap.String("host", host),
			zap.Duration("sleep", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("connect to temporal at %s: %w", host, lastErr)
}

// NewWorker builds a worker for queue with the research workflow registered.
func NewWorker(c client.Client, queue string, acts *Activities, maxActivities int) worker.Worker {
	if queue == "" {
		queue = DefaultTaskQueue
	}
	w := worker.New(c, queue, worker.Options{
		MaxConcurrentActivityExecutionSize: maxActivities,
	})
	Register(w, acts)
	return w
}

// WorkflowID is the Temporal workflow ID used for a research run.
func WorkflowID(runID string) string { return "research-" + runID }

// Submit starts a ResearchWorkflow and waits for its result.
func Submit(ctx context.Context, c client.Client, queue string, in ResearchInput) (ResearchOutput, error) {
	if in.RunID == "" {
		in.RunID = uuid.NewString()
	}
	if queue == "" {
		queue = DefaultTaskQueue
	}
	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(in.RunID),
		TaskQueue: queue,
	}, ResearchWorkflowName, in)
	if err != nil {
		return ResearchOutput{}, fmt.Errorf("start research workflow: %w", err)
	}
	var out ResearchOutput
	if err := run.Get(ctx, &out); err != nil {
		return ResearchOutput{}, fmt.Errorf("research workflow %s: %w", run.GetID(), err)
	}
	return out, nil
}
