package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"

	"github.com/Kocoro-lab/deepresearch/internal/decompose"
)

// AspectIdentifier lets the model choose the aspects of a goal.
type AspectIdentifier struct {
	client *Client
}

func NewAspectIdentifier(client *Client) *AspectIdentifier {
	return &AspectIdentifier{client: client}
}

func (a *AspectIdentifier) IdentifyAspects(ctx context.Context, goal string, n int) ([]decompose.Aspect, error) {
	messages := []llms.MessageContent{
		system(aspectsSystemPrompt(n)),
		human(goal),
	}
	var out struct {
		Aspects []decompose.Aspect `json:"aspects"`
	}
	if err := a.client.GenerateJSON(ctx, "aspects", messages, &out); err != nil {
		return nil, err
	}
	if len(out.Aspects) == 0 {
		return nil, fmt.Errorf("model returned no aspects")
	}
	return out.Aspects, nil
}
