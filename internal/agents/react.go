// Package agents runs the tool-using subagents that carry out research tasks.
package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/deepresearch/internal/budget"
	"github.com/Kocoro-lab/deepresearch/internal/llm"
	"github.com/Kocoro-lab/deepresearch/internal/tools"
	"github.com/Kocoro-lab/deepresearch/internal/workflows/patterns/execution"
)

// ReactWorker is a reason-act loop over the task's tools. One instance
// serves exactly one task.
type ReactWorker struct {
	client  *llm.Client
	counter budget.Counter
	logger  *zap.Logger
}

// NewFactory returns a factory producing a fresh ReactWorker per task.
func NewFactory(client *llm.Client, counter budget.Counter, logger *zap.Logger) execution.WorkerFactory {
	if counter == nil {
		counter = budget.Heuristic{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(task execution.Task) execution.Worker {
		return &ReactWorker{
			client:  client,
			counter: counter,
			logger:  logger.With(zap.String("agent_id", task.AgentID)),
		}
	}
}

func (w *ReactWorker) Run(ctx context.Context, task execution.Task) (execution.Output, error) {
	limit := task.ContextTokenLimit
	if limit <= 0 {
		limit = execution.DefaultContextTokenLimit
	}
	maxSteps := task.MaxSteps
	if maxSteps <= 0 {
		maxSteps = execution.DefaultMaxSteps
	}
	ctxBudget := budget.NewContextBudget(limit, w.counter)
	purpose := "subagent_" + string(task.Role)

	sys := systemPrompt(task.Role)
	ctxBudget.Fit(sys)
	brief, briefCut := ctxBudget.Fit(briefFor(task))
	messages := []llms.MessageContent{
		{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextPart(sys)}},
		{Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextPart(brief)}},
	}

	byName := make(map[string]tools.Tool, len(task.Tools))
	for _, t := range task.Tools {
		byName[t.Name()] = t
	}
	var opts []llms.CallOption
	if defs := tools.Definitions(task.Tools); len(defs) > 0 {
		opts = append(opts, llms.WithTools(defs))
	}

	truncated := briefCut
	lastContent := ""
	for step := 0; step < maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return execution.Output{}, err
		}
		choice, err := w.client.Generate(ctx, purpose, messages, opts...)
		if err != nil {
			return execution.Output{}, err
		}
		if choice.Content != "" {
			lastContent = choice.Content
			ctxBudget.Fit(choice.Content)
		}

		var assistantParts []llms.ContentPart
		if choice.Content != "" {
			assistantParts = append(assistantParts, llms.TextContent{Text: choice.Content})
		}
		for _, tc := range choice.ToolCalls {
			assistantParts = append(assistantParts, tc)
		}
		messages = append(messages, llms.MessageContent{Role: llms.ChatMessageTypeAI, Parts: assistantParts})

		if len(choice.ToolCalls) == 0 {
			return execution.Output{
				Content:    choice.Content,
				Steps:      step + 1,
				TokensUsed: ctxBudget.Used(),
				Truncated:  truncated,
			}, nil
		}

		for _, tc := range choice.ToolCalls {
			if tc.FunctionCall == nil {
				continue
			}
			result := w.execute(ctx, byName, step, tc.FunctionCall)
			fitted, cut := ctxBudget.Fit(result)
			if cut {
				truncated = true
			}
			messages = append(messages, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{
					llms.ToolCallResponse{
						ToolCallID: tc.ID,
						Name:       tc.FunctionCall.Name,
						Content:    fitted,
					},
				},
			})
		}
		if ctxBudget.Exhausted() {
			w.logger.Info("Context budget exhausted", zap.Int("step", step+1), zap.Int("limit", limit))
			break
		}
	}

	// Step cap or budget reached: ask once more for an answer without tools.
	messages = append(messages, llms.MessageContent{
		Role:  llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextPart(wrapUpPrompt)},
	})
	choice, err := w.client.Generate(ctx, purpose, messages)
	if err != nil || strings.TrimSpace(choice.Content) == "" {
		if lastContent == "" {
			if err == nil {
				err = fmt.Errorf("agent %s produced no answer", task.AgentID)
			}
			return execution.Output{}, err
		}
		return execution.Output{Content: lastContent, Steps: maxSteps, TokensUsed: ctxBudget.Used(), Truncated: true}, nil
	}
	return execution.Output{Content: choice.Content, Steps: maxSteps, TokensUsed: ctxBudget.Used(), Truncated: true}, nil
}

func (w *ReactWorker) execute(ctx context.Context, byName map[string]tools.Tool, step int, call *llms.FunctionCall) string {
	tool, ok := byName[call.Name]
	if !ok {
		return fmt.Sprintf("Error: Tool %s not available", call.Name)
	}
	w.logger.Debug("Executing tool",
		zap.Int("step", step+1),
		zap.String("tool", call.Name),
		zap.String("args", call.Arguments),
	)
	res, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return res
}

func briefFor(task execution.Task) string {
	var b strings.Builder
	if task.Focus != "" {
		fmt.Fprintf(&b, "# %s\n\n", task.Focus)
	}
	b.WriteString(task.Description)
	if len(task.ToolNames) > 0 {
		fmt.Fprintf(&b, "\n\nTools available: %s", strings.Join(task.ToolNames, ", "))
	}
	if task.EstimatedCalls > 0 {
		fmt.Fprintf(&b, "\nAim for about %d tool calls.", task.EstimatedCalls)
	}
	return b.String()
}
