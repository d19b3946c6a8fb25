package execution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/deepresearch/internal/compress"
	"github.com/Kocoro-lab/deepresearch/internal/metrics"
	"github.com/Kocoro-lab/deepresearch/internal/plan"
	"github.com/Kocoro-lab/deepresearch/internal/tools"
)

// SequentialConfig controls sequential execution behavior
type SequentialConfig struct {
	TaskTimeout         time.Duration
	ContextTokenLimit   int
	MaxSteps            int
	PassPreviousResults bool // Include completed step results in the next step's brief
}

// StepOutcome is what the executor recorded for one step.
type StepOutcome struct {
	Index       int
	Title       string
	Role        Role
	Observation string
	Failed      bool
}

// SequentialExecutor is the only writer of step results.
type SequentialExecutor struct {
	factory  WorkerFactory
	registry *tools.Registry
	config   SequentialConfig
	logger   *zap.Logger
}

func NewSequentialExecutor(factory WorkerFactory, registry *tools.Registry, config SequentialConfig, logger *zap.Logger) *SequentialExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ContextTokenLimit <= 0 {
		config.ContextTokenLimit = DefaultContextTokenLimit
	}
	if config.MaxSteps <= 0 {
		config.MaxSteps = DefaultMaxSteps
	}
	return &SequentialExecutor{factory: factory, registry: registry, config: config, logger: logger}
}

// ToolsFor returns the tool names a step type may use.
func ToolsFor(t plan.StepType) []string {
	switch t {
	case plan.StepProcessing:
		return []string{tools.PythonREPL}
	case plan.StepResearch:
		return []string{tools.WebSearch, tools.Crawl}
	}
	return nil
}

// RoleFor maps a step type to the worker that executes it.
func RoleFor(t plan.StepType) Role {
	if t == plan.StepProcessing {
		return RoleCoder
	}
	return RoleResearcher
}

// ExecuteStep runs step idx of a sequential plan and records its result.
// A worker failure is recorded as the step result rather than returned.
func (e *SequentialExecutor) ExecuteStep(ctx context.Context, sp *plan.SequentialPlan, idx int, locale string) (StepOutcome, error) {
	if idx < 0 || idx >= len(sp.Steps) {
		return StepOutcome{}, fmt.Errorf("%w: %d", plan.ErrStepOutOfRange, idx)
	}
	step := sp.Steps[idx]
	role := RoleFor(step.Type)
	names := ToolsFor(step.Type)
	if step.Type == plan.StepResearch && !step.NeedSearch {
		names = []string{tools.Crawl}
	}

	task := Task{
		AgentID:           fmt.Sprintf("step_%d_%s_%s", idx, role, uuid.NewString()[:8]),
		StreamID:          fmt.Sprintf("step_%d", idx),
		Focus:             step.Title,
		Description:       e.brief(sp, idx, locale),
		Role:              role,
		ToolNames:         names,
		ContextTokenLimit: e.config.ContextTokenLimit,
		MaxSteps:          e.config.MaxSteps,
	}
	if e.registry != nil {
		found, missing := e.registry.Subset(names)
		if len(missing) > 0 {
			e.logger.Warn("Step tools unavailable", zap.Int("step", idx), zap.Strings("missing", missing))
		}
		task.Tools = found
	}

	e.logger.Info("Executing plan step",
		zap.Int("step", idx),
		zap.String("title", step.Title),
		zap.String("role", string(role)),
	)

	start := time.Now()
	content, err := e.run(ctx, task)
	metrics.SubagentDuration.WithLabelValues(string(role)).Observe(time.Since(start).Seconds())

	outcome := StepOutcome{Index: idx, Title: step.Title, Role: role}
	var result string
	if err != nil {
		if ctx.Err() != nil {
			return StepOutcome{}, ctx.Err()
		}
		e.logger.Error("Plan step failed", zap.Int("step", idx), zap.Error(err))
		metrics.SubagentTasks.WithLabelValues(string(role), "failed").Inc()
		result = fmt.Sprintf("Step failed: %v", err)
		outcome.Failed = true
	} else {
		metrics.SubagentTasks.WithLabelValues(string(role), "success").Inc()
		result = content
	}

	if err := sp.RecordStepResult(idx, result); err != nil {
		return StepOutcome{}, err
	}
	outcome.Observation = fmt.Sprintf("## %s\n\n%s", step.Title, result)
	if !outcome.Failed {
		if n := len(compress.ExtractSources(result)); n > 0 {
			outcome.Observation += fmt.Sprintf("\n\n**Sources**: %d sources", n)
		}
	}
	return outcome, nil
}

func (e *SequentialExecutor) run(ctx context.Context, task Task) (content string, err error) {
	if e.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.TaskTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	w := e.factory(task)
	if w == nil {
		return "", fmt.Errorf("no worker available for role %s", task.Role)
	}
	out, err := w.Run(ctx, task)
	if err != nil {
		return "", err
	}
	return out.Content, nil
}

func (e *SequentialExecutor) brief(sp *plan.SequentialPlan, idx int, locale string) string {
	step := sp.Steps[idx]
	var b strings.Builder
	if e.config.PassPreviousResults {
		for i := 0; i < idx; i++ {
			prev := sp.Steps[i]
			if prev.ExecutionRes == nil {
				continue
			}
			fmt.Fprintf(&b, "## Completed step: %s\n\n%s\n\n", prev.Title, *prev.ExecutionRes)
		}
	}
	fmt.Fprintf(&b, "# Current step\n\n## Title\n\n%s\n\n## Description\n\n%s\n", step.Title, step.Description)
	if locale != "" {
		fmt.Fprintf(&b, "\nRespond in locale %s.\n", locale)
	}
	return b.String()
}
