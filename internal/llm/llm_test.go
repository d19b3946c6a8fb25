package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/deepresearch/internal/circuitbreaker"
)

// fakeModel replays scripted responses and records every request.
type fakeModel struct {
	mu        sync.Mutex
	responses []*llms.ContentResponse
	errs      []error
	calls     [][]llms.MessageContent
	options   []llms.CallOptions
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var opts llms.CallOptions
	for _, o := range options {
		o(&opts)
	}
	f.calls = append(f.calls, messages)
	f.options = append(f.options, opts)
	i := len(f.calls) - 1
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: ""}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func text(s string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: s}}}
}

func toolCall(name, args string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		ToolCalls: []llms.ToolCall{{ID: "call_1", Type: "function", FunctionCall: &llms.FunctionCall{Name: name, Arguments: args}}},
	}}}
}

func messageText(m llms.MessageContent) string {
	var b strings.Builder
	for _, p := range m.Parts {
		if tc, ok := p.(llms.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

func TestGoalExtractorHandoff(t *testing.T) {
	m := &fakeModel{responses: []*llms.ContentResponse{
		toolCall(HandoffTool, `{"research_topic": "Quantum computing and cryptography", "locale": "en-US"}`),
	}}
	g := NewGoalExtractor(NewClient(m, zaptest.NewLogger(t)), zaptest.NewLogger(t))

	goal, ok, err := g.ExtractGoal(context.Background(), "tell me about quantum crypto", "ru-RU")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Quantum computing and cryptography", goal.Topic)
	assert.Equal(t, "en-US", goal.Locale)
	require.Len(t, m.options, 1)
	require.Len(t, m.options[0].Tools, 1)
	assert.Equal(t, HandoffTool, m.options[0].Tools[0].Function.Name)
}

func TestGoalExtractorPartialArgsKeepInput(t *testing.T) {
	m := &fakeModel{responses: []*llms.ContentResponse{toolCall(HandoffTool, `{"research_topic": "x"}`)}}
	g := NewGoalExtractor(NewClient(m, nil), zaptest.NewLogger(t))

	goal, ok, err := g.ExtractGoal(context.Background(), "original question", "de-DE")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "original question", goal.Topic)
	assert.Equal(t, "de-DE", goal.Locale)
}

func TestGoalExtractorNoHandoff(t *testing.T) {
	m := &fakeModel{responses: []*llms.ContentResponse{text("Hello! How can I help?")}}
	g := NewGoalExtractor(NewClient(m, nil), zaptest.NewLogger(t))

	goal, ok, err := g.ExtractGoal(context.Background(), "hi", "en-US")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "Hello! How can I help?", goal.Reply)
}

func TestGoalExtractorModelError(t *testing.T) {
	m := &fakeModel{errs: []error{errors.New("upstream 500")}}
	g := NewGoalExtractor(NewClient(m, nil), zaptest.NewLogger(t))
	_, ok, err := g.ExtractGoal(context.Background(), "q", "en-US")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestPlanGeneratorMessages(t *testing.T) {
	m := &fakeModel{responses: []*llms.ContentResponse{text(`{"planning_mode": "sequential_steps"}`)}}
	p := NewPlanGenerator(NewClient(m, nil), zaptest.NewLogger(t))

	raw, err := p.GeneratePlan(context.Background(), PlanRequest{
		Goal:           "goal",
		Locale:         "en-US",
		Background:     "bg results",
		Observations:   []string{"obs one"},
		Feedback:       []string{"add costs"},
		MaxStreams:     4,
		Complexity:     5,
		PreferParallel: true,
	})
	require.NoError(t, err)
	assert.Contains(t, raw, "sequential_steps")

	msgs := m.calls[0]
	assert.Equal(t, llms.ChatMessageTypeSystem, msgs[0].Role)
	assert.Contains(t, messageText(msgs[0]), "at most 4 streams")
	assert.Contains(t, messageText(msgs[0]), "at most 3 steps")
	var all []string
	for _, msg := range msgs[1:] {
		all = append(all, messageText(msg))
	}
	joined := strings.Join(all, "\n")
	assert.Contains(t, joined, "bg results")
	assert.Contains(t, joined, "obs one")
	assert.Contains(t, joined, "- add costs")
	assert.Contains(t, joined, "prefer parallel_multi_agent")
}

func TestReportWriter(t *testing.T) {
	m := &fakeModel{responses: []*llms.ContentResponse{text("# Report")}}
	r := NewReportWriter(NewClient(m, nil), zaptest.NewLogger(t))

	out, err := r.WriteReport(context.Background(), ReportRequest{
		Title: "T", Rationale: "why", Locale: "en-US", Observations: []string{"a", "b", "c"},
	})
	require.NoError(t, err)
	assert.Equal(t, "# Report", out)
	// system, requirements, reminder, one per observation
	assert.Len(t, m.calls[0], 6)
	assert.Contains(t, messageText(m.calls[0][1]), "## Task\n\nT")
}

func TestReportWriterEmpty(t *testing.T) {
	m := &fakeModel{responses: []*llms.ContentResponse{text("")}}
	r := NewReportWriter(NewClient(m, nil), zaptest.NewLogger(t))
	_, err := r.WriteReport(context.Background(), ReportRequest{Title: "T"})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestAspectIdentifierRepairsJSON(t *testing.T) {
	m := &fakeModel{responses: []*llms.ContentResponse{text("```json\n{\"aspects\": [{\"type\": \"a\", \"focus\": \"A\", \"description\": \"d\"}, {\"type\": \"b\", \"focus\": \"B\", \"description\": \"e\",}]\n```")}}
	a := NewAspectIdentifier(NewClient(m, nil))

	aspects, err := a.IdentifyAspects(context.Background(), "goal", 2)
	require.NoError(t, err)
	require.Len(t, aspects, 2)
	assert.Equal(t, "b", aspects[1].Type)
	assert.True(t, m.options[0].JSONMode)
}

func TestClientBreakerOpens(t *testing.T) {
	m := &fakeModel{errs: []error{errors.New("a"), errors.New("b"), errors.New("c")}}
	cfg := circuitbreaker.DefaultConfig()
	cfg.FailureThreshold = 2
	cb := circuitbreaker.NewCircuitBreaker("llm", "model", cfg, zaptest.NewLogger(t))
	c := NewClient(m, zaptest.NewLogger(t), WithBreaker(cb))

	for i := 0; i < 2; i++ {
		_, err := c.Generate(context.Background(), "test", nil)
		require.Error(t, err)
	}
	_, err := c.Generate(context.Background(), "test", nil)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitBreakerOpen)
	assert.Len(t, m.calls, 2, "open breaker short-circuits the model")
}

func TestClientEmptyChoices(t *testing.T) {
	m := &fakeModel{responses: []*llms.ContentResponse{{}}}
	_, err := NewClient(m, nil).Generate(context.Background(), "test", nil)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestDecodeJSONTruncated(t *testing.T) {
	var out map[string]any
	require.NoError(t, DecodeJSON(`Sure: {"a": 1, "b": [1, 2`, &out))
	assert.Equal(t, float64(1), out["a"])
}
