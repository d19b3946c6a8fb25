// Package llm wraps the chat model used by the coordinator, planner,
// reporter and aspect identifier.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Kocoro-lab/deepresearch/internal/circuitbreaker"
	"github.com/Kocoro-lab/deepresearch/internal/metrics"
	"github.com/Kocoro-lab/deepresearch/internal/tracing"
)

var ErrEmptyResponse = errors.New("model returned no choices")

// Config selects an OpenAI-compatible endpoint.
type Config struct {
	Model   string
	BaseURL string
	APIKey  string
}

// NewOpenAI builds a model for any OpenAI-compatible endpoint.
func NewOpenAI(cfg Config) (llms.Model, error) {
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	m, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai model: %w", err)
	}
	return m, nil
}

// Client adds rate limiting, circuit breaking, timeouts, metrics and
// tracing around a model.
type Client struct {
	model   llms.Model
	breaker *circuitbreaker.CircuitBreaker
	limiter *rate.Limiter
	timeout time.Duration
	logger  *zap.Logger
}

type Option func(*Client)

func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

func WithRateLimit(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func NewClient(model llms.Model, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{model: model, logger: logger}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Model returns the underlying model, for callers that drive their own loop.
func (c *Client) Model() llms.Model { return c.model }

// Generate runs one model call labelled with purpose and returns the first choice.
func (c *Client) Generate(ctx context.Context, purpose string, messages []llms.MessageContent, opts ...llms.CallOption) (*llms.ContentChoice, error) {
	ctx, span := tracing.StartSpan(ctx, "llm."+purpose)
	defer span.End()
	span.SetAttributes(attribute.Int("llm.messages", len(messages)))

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			metrics.ModelRequests.WithLabelValues(purpose, "rate_limited").Inc()
			return nil, err
		}
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	var resp *llms.ContentResponse
	call := func(ctx context.Context) error {
		var err error
		resp, err = c.model.GenerateContent(ctx, messages, opts...)
		if err == nil && (resp == nil || len(resp.Choices) == 0) {
			err = ErrEmptyResponse
		}
		return err
	}
	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	metrics.ModelLatency.WithLabelValues(purpose).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ModelRequests.WithLabelValues(purpose, "error").Inc()
		span.RecordError(err)
		c.logger.Warn("Model call failed", zap.String("purpose", purpose), zap.Error(err))
		return nil, fmt.Errorf("%s model call: %w", purpose, err)
	}
	metrics.ModelRequests.WithLabelValues(purpose, "ok").Inc()
	return resp.Choices[0], nil
}

// GenerateJSON asks for a JSON object and decodes it into out, repairing
// malformed output when possible.
func (c *Client) GenerateJSON(ctx context.Context, purpose string, messages []llms.MessageContent, out any) error {
	choice, err := c.Generate(ctx, purpose, messages, llms.WithJSONMode())
	if err != nil {
		return err
	}
	return DecodeJSON(choice.Content, out)
}

// DecodeJSON extracts the JSON object in text and decodes it into out.
func DecodeJSON(text string, out any) error {
	raw := extractObject(text)
	if err := json.Unmarshal([]byte(raw), out); err == nil {
		return nil
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return fmt.Errorf("repair model JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return fmt.Errorf("decode model JSON: %w", err)
	}
	return nil
}

func extractObject(text string) string {
	s := strings.TrimSpace(text)
	if i := strings.Index(s, "```"); i >= 0 {
		body := s[i+3:]
		body = strings.TrimPrefix(body, "json")
		if j := strings.Index(body, "```"); j >= 0 {
			body = body[:j]
		}
		s = strings.TrimSpace(body)
	}
	start := strings.Index(s, "{")
	if start < 0 {
		return s
	}
	if end := strings.LastIndex(s, "}"); end > start {
		return s[start : end+1]
	}
	return s[start:]
}

func system(text string) llms.MessageContent {
	return llms.MessageContent{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextPart(text)}}
}

func human(text string) llms.MessageContent {
	return llms.MessageContent{Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextPart(text)}}
}
