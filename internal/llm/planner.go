package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
)

// PlanRequest carries everything the planner sees in one iteration.
type PlanRequest struct {
	Goal       string
	Locale     string
	Background string
	// Observations gathered by earlier iterations.
	Observations []string
	// Feedback holds reviewer edit requests, oldest first.
	Feedback   []string
	Iteration  int
	MaxSteps   int
	MaxStreams int
	Complexity int
	// PreferParallel hints that the goal reads as multi-dimensional.
	PreferParallel bool
}

// PlanGenerator asks the model for a plan and returns its raw text.
type PlanGenerator struct {
	client *Client
	logger *zap.Logger
}

func NewPlanGenerator(client *Client, logger *zap.Logger) *PlanGenerator {
	return &PlanGenerator{client: client, logger: logger}
}

func (p *PlanGenerator) GeneratePlan(ctx context.Context, req PlanRequest) (string, error) {
	maxStreams, maxSteps := req.MaxStreams, req.MaxSteps
	if maxStreams <= 0 {
		maxStreams = 5
	}
	if maxSteps <= 0 {
		maxSteps = 3
	}
	messages := []llms.MessageContent{
		system(plannerSystemPrompt(maxStreams, maxSteps, req.Locale)),
		human(req.Goal),
	}
	if req.Background != "" {
		messages = append(messages, human("background investigation results of user query:\n"+req.Background+"\n"))
	}
	if req.Complexity > 0 {
		hint := fmt.Sprintf("Assessed complexity: %d of 5.", req.Complexity)
		if req.PreferParallel {
			hint += " The request spans several independent dimensions; prefer parallel_multi_agent."
		}
		messages = append(messages, human(hint))
	}
	if len(req.Observations) > 0 {
		messages = append(messages, human("Observations gathered so far:\n\n"+strings.Join(req.Observations, "\n\n")))
	}
	if len(req.Feedback) > 0 {
		messages = append(messages, human("Revise the plan according to this feedback:\n"+bulletList(req.Feedback)))
	}

	choice, err := p.client.Generate(ctx, "planner", messages)
	if err != nil {
		return "", err
	}
	p.logger.Debug("Planner response",
		zap.Int("iteration", req.Iteration),
		zap.Int("chars", len(choice.Content)),
	)
	return choice.Content, nil
}
