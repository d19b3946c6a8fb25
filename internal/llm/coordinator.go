package llm

import (
	"context"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
)

// HandoffTool is the tool the coordinator calls to pass a goal to the planner.
const HandoffTool = "handoff_to_planner"

// Goal is what the coordinator hands to the planner.
type Goal struct {
	Topic  string
	Locale string
	// Reply is the coordinator's direct answer when it did not hand off.
	Reply string
}

type handoffArgs struct {
	ResearchTopic string `json:"research_topic"`
	Locale        string `json:"locale"`
}

var handoffDefinition = llms.Tool{
	Type: "function",
	Function: &llms.FunctionDefinition{
		Name:        HandoffTool,
		Description: "Handoff to planner agent to do plan.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"research_topic": map[string]any{
					"type":        "string",
					"description": "The topic of the research task to be handed off.",
				},
				"locale": map[string]any{
					"type":        "string",
					"description": "The user's detected language locale (e.g., en-US, zh-CN).",
				},
			},
			"required": []string{"research_topic", "locale"},
		},
	},
}

// GoalExtractor decides whether a request needs research.
type GoalExtractor struct {
	client *Client
	logger *zap.Logger
}

func NewGoalExtractor(client *Client, logger *zap.Logger) *GoalExtractor {
	return &GoalExtractor{client: client, logger: logger}
}

// ExtractGoal returns ok=false when the model answered without handing off.
// A handoff missing either argument keeps the caller's input and locale.
func (g *GoalExtractor) ExtractGoal(ctx context.Context, input, locale string) (Goal, bool, error) {
	messages := []llms.MessageContent{system(coordinatorPrompt), human(input)}
	choice, err := g.client.Generate(ctx, "coordinator", messages, llms.WithTools([]llms.Tool{handoffDefinition}))
	if err != nil {
		return Goal{}, false, err
	}

	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil || tc.FunctionCall.Name != HandoffTool {
			continue
		}
		goal := Goal{Topic: input, Locale: locale}
		var args handoffArgs
		if err := DecodeJSON(tc.FunctionCall.Arguments, &args); err != nil {
			g.logger.Warn("Malformed handoff arguments", zap.Error(err))
		} else if strings.TrimSpace(args.ResearchTopic) != "" && strings.TrimSpace(args.Locale) != "" {
			goal.Topic = args.ResearchTopic
			goal.Locale = args.Locale
		}
		g.logger.Info("Coordinator handed off to planner",
			zap.String("topic", goal.Topic),
			zap.String("locale", goal.Locale),
		)
		return goal, true, nil
	}

	g.logger.Warn("Coordinator did not call handoff_to_planner")
	return Goal{Reply: choice.Content, Locale: locale}, false, nil
}
