package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Kocoro-lab/deepresearch/internal/compress"
	"github.com/Kocoro-lab/deepresearch/internal/metrics"
	"github.com/Kocoro-lab/deepresearch/internal/tracing"
)

// ParallelConfig controls parallel execution behavior
type ParallelConfig struct {
	MaxConcurrency int           // 0 runs every task at once
	TaskTimeout    time.Duration // Per-task deadline, 0 disables it
	MaxAttempts    int           // Attempts per task, retried inside the task
}

// ParallelResult contains results from parallel execution
type ParallelResult struct {
	// Results has one entry per task, in dispatch order.
	Results     []Result
	Succeeded   int
	Failed      int
	TotalTokens int
}

// Coordinator fans tasks out to isolated workers and waits for all of them.
type Coordinator struct {
	factory  WorkerFactory
	config   ParallelConfig
	listener Listener
	logger   *zap.Logger
}

func NewCoordinator(factory WorkerFactory, config ParallelConfig, listener Listener, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	return &Coordinator{factory: factory, config: config, listener: listener, logger: logger}
}

// Execute runs every task and returns exactly len(tasks) results. A task
// failure never aborts its siblings; it becomes a degraded result.
func (c *Coordinator) Execute(ctx context.Context, tasks []Task) *ParallelResult {
	c.logger.Info("Starting parallel execution",
		zap.Int("task_count", len(tasks)),
		zap.Int("max_concurrency", c.config.MaxConcurrency),
	)
	metrics.ParallelWidth.Observe(float64(len(tasks)))

	results := make([]Result, len(tasks))

	// Tasks never return an error to the group, so gctx is only
	// cancelled when ctx is.
	g, gctx := errgroup.WithContext(ctx)
	if c.config.MaxConcurrency > 0 {
		g.SetLimit(c.config.MaxConcurrency)
	}
	for i := range tasks {
		i := i
		g.Go(func() error {
			results[i] = c.runTask(gctx, tasks[i])
			return nil
		})
	}
	_ = g.Wait()

	out := &ParallelResult{Results: results}
	for _, r := range results {
		if r.Degraded {
			out.Failed++
		} else {
			out.Succeeded++
		}
		out.TotalTokens += r.TokensUsed
	}

	c.logger.Info("Parallel execution completed",
		zap.Int("succeeded", out.Succeeded),
		zap.Int("failed", out.Failed),
		zap.Int("total_tokens", out.TotalTokens),
	)
	return out
}

func (c *Coordinator) runTask(ctx context.Context, task Task) (res Result) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "subagent.task")
	span.SetAttributes(
		attribute.String("agent.id", task.AgentID),
		attribute.String("agent.role", string(task.Role)),
		attribute.String("stream.id", task.StreamID),
	)
	defer span.End()

	if c.listener != nil {
		c.listener.TaskStarted(task)
	}
	defer func() {
		res.Duration = time.Since(start)
		outcome := "success"
		if res.Degraded {
			outcome = "failed"
		}
		metrics.SubagentTasks.WithLabelValues(string(task.Role), outcome).Inc()
		metrics.SubagentDuration.WithLabelValues(string(task.Role)).Observe(res.Duration.Seconds())
		metrics.SubagentTokens.Observe(float64(res.TokensUsed))
		if c.listener != nil {
			c.listener.TaskFinished(res)
		}
	}()

	var (
		output  Output
		err     error
		attempt int
	)
	for attempt = 1; attempt <= c.config.MaxAttempts; attempt++ {
		output, err = c.attempt(ctx, task)
		if err == nil || ctx.Err() != nil {
			break
		}
		c.logger.Warn("Subagent attempt failed",
			zap.String("agent_id", task.AgentID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	if attempt > c.config.MaxAttempts {
		attempt = c.config.MaxAttempts
	}

	if err != nil {
		span.RecordError(err)
		c.logger.Error("Subagent failed",
			zap.String("agent_id", task.AgentID),
			zap.String("focus", task.Focus),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
		return Degraded(task, err, attempt)
	}

	confidence := SuccessConfidence
	if output.Truncated {
		confidence = TruncatedConfidence
	}
	return Result{
		AgentID:    task.AgentID,
		StreamID:   task.StreamID,
		Focus:      task.Focus,
		Role:       task.Role,
		Findings:   compress.Compress(output.Content, task.Focus),
		Raw:        output.Content,
		Confidence: confidence,
		Sources:    compress.ExtractSources(output.Content),
		Attempts:   attempt,
		TokensUsed: output.TokensUsed,
	}
}

// attempt runs a single try with a fresh worker, its own deadline and a
// panic guard.
func (c *Coordinator) attempt(ctx context.Context, task Task) (out Output, err error) {
	if c.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.TaskTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()

	worker := c.factory(task)
	if worker == nil {
		return Output{}, errors.New("no worker available for task")
	}
	out, err = worker.Run(ctx, task)
	if err == nil && ctx.Err() != nil {
		// Worker ignored cancellation; its output is not trusted.
		err = ctx.Err()
	}
	return out, err
}

// Degraded builds the placeholder result for a failed task.
func Degraded(task Task, err error, attempts int) Result {
	findings := fmt.Sprintf("Research failed: %v", err)
	return Result{
		AgentID:    task.AgentID,
		StreamID:   task.StreamID,
		Focus:      task.Focus,
		Role:       task.Role,
		Findings:   findings,
		Confidence: 0,
		Error:      err.Error(),
		Degraded:   true,
		Attempts:   attempts,
	}
}
