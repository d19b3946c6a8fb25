// Package bootstrap assembles the research engine and its collaborators
// from configuration. Both the service and the CLI start here.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Kocoro-lab/deepresearch/internal/agents"
	"github.com/Kocoro-lab/deepresearch/internal/budget"
	"github.com/Kocoro-lab/deepresearch/internal/circuitbreaker"
	"github.com/Kocoro-lab/deepresearch/internal/config"
	"github.com/Kocoro-lab/deepresearch/internal/db"
	"github.com/Kocoro-lab/deepresearch/internal/decompose"
	"github.com/Kocoro-lab/deepresearch/internal/health"
	"github.com/Kocoro-lab/deepresearch/internal/llm"
	"github.com/Kocoro-lab/deepresearch/internal/plan"
	"github.com/Kocoro-lab/deepresearch/internal/policy"
	"github.com/Kocoro-lab/deepresearch/internal/review"
	"github.com/Kocoro-lab/deepresearch/internal/streaming"
	"github.com/Kocoro-lab/deepresearch/internal/tools"
	"github.com/Kocoro-lab/deepresearch/internal/workflows"
	"github.com/Kocoro-lab/deepresearch/internal/workflows/patterns/execution"
)

// ReviewBackend both answers engine reviews and accepts decisions from
// the outside.
type ReviewBackend interface {
	review.Reviewer
	review.Submitter
	Pending(ctx context.Context, runID string) (*plan.Plan, bool, error)
}

// Components is everything a binary needs to serve research runs.
type Components struct {
	Config      *config.Config
	Engine      *workflows.Engine
	Streams     *streaming.Manager
	EventLog    *streaming.RedisSink
	Reviews     ReviewBackend
	Checkpoints *db.CheckpointStore
	Redis       redis.UniversalClient
	Policy      *policy.Engine
	Tools       *tools.Registry
	LLMBreaker  *circuitbreaker.CircuitBreaker
	Health      *health.Manager

	logger  *zap.Logger
	closers []func() error
}

type options struct {
	model     llms.Model
	reviewer  review.Reviewer
	counter   budget.Counter
	observers []workflows.Observer
	search    tools.Searcher
}

// Option customizes Build.
type Option func(*options)

// WithModel uses m instead of dialing the configured endpoint.
func WithModel(m llms.Model) Option { return func(o *options) { o.model = m } }

// WithReviewer overrides the plan reviewer the engine calls, for example
// an interactive terminal prompt. Decisions posted over HTTP still reach
// the configured backend.
func WithReviewer(r review.Reviewer) Option { return func(o *options) { o.reviewer = r } }

// WithTokenCounter replaces the tiktoken counter used for worker budgets.
func WithTokenCounter(c budget.Counter) Option { return func(o *options) { o.counter = c } }

// WithObservers adds transition observers to the engine.
func WithObservers(obs ...workflows.Observer) Option {
	return func(o *options) { o.observers = append(o.observers, obs...) }
}

// WithSearchBackend replaces the web search backend.
func WithSearchBackend(s tools.Searcher) Option { return func(o *options) { o.search = s } }

// Build wires the engine from cfg. On error everything opened so far is
// closed again.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (_ *Components, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	c := &Components{Config: cfg, logger: logger, Health: health.NewManager(logger)}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	if cfg.Redis.URL != "" {
		ropts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(ropts)
		c.Redis = rdb
		c.closers = append(c.closers, rdb.Close)
		if err := c.Health.RegisterChecker(health.NewRedisHealthChecker(rdb)); err != nil {
			return nil, err
		}
	}

	var sinks []streaming.Sink
	if c.Redis != nil {
		c.EventLog = streaming.NewRedisSink(c.Redis, cfg.Streaming.RedisMaxLen, cfg.Streaming.RedisTTL)
		sinks = append(sinks, c.EventLog)
	}
	c.Streams = streaming.NewManager(cfg.Streaming.RingCapacity, logger, sinks...)

	if c.Redis != nil {
		c.Reviews = review.NewRedisReviewer(c.Redis, cfg.Redis.ReviewTTL, cfg.Research.ReviewTimeout, logger)
	} else {
		c.Reviews = review.NewBroker(cfg.Research.ReviewTimeout)
	}

	if cfg.Checkpoint.Enabled {
		store, err := db.Open(ctx, db.Config{Driver: cfg.Checkpoint.Driver, DSN: cfg.Checkpoint.DSN}, logger)
		if err != nil {
			return nil, err
		}
		c.Checkpoints = store.WithBreaker(c.breaker("checkpoint", "database"))
		c.closers = append(c.closers, store.Close)
		if err := c.Health.RegisterChecker(health.NewDatabaseHealthChecker(store.DB())); err != nil {
			return nil, err
		}
	}

	if c.Policy, err = policy.NewEngine(cfg.Policy, logger); err != nil {
		return nil, err
	}

	search, err := c.buildTools(o.search)
	if err != nil {
		return nil, err
	}

	client, err := c.buildClient(o.model)
	if err != nil {
		return nil, err
	}

	decomposerOpts := []decompose.Option{decompose.WithToolPolicy(c.Policy)}
	if cfg.Research.ModelAspects {
		decomposerOpts = append(decomposerOpts, decompose.WithAspectIdentifier(llm.NewAspectIdentifier(client)))
	}
	decomposer := decompose.New(c.Tools, decompose.Config{
		ContextTokenLimit: cfg.Research.ContextTokenLimit,
		MaxSteps:          cfg.Research.MaxAgentSteps,
	}, logger, decomposerOpts...)

	counter := o.counter
	if counter == nil {
		counter = budget.NewTiktokenCounter()
	}
	reviewer := o.reviewer
	if reviewer == nil {
		reviewer = c.Reviews
	}

	deps := workflows.Dependencies{
		Goals:      llm.NewGoalExtractor(client, logger),
		Planner:    llm.NewPlanGenerator(client, logger),
		Reporter:   llm.NewReportWriter(client, logger),
		Reviewer:   reviewer,
		Decomposer: decomposer,
		Workers:    agents.NewFactory(client, counter, logger),
		Tools:      c.Tools,
		Search:     search,
		Publisher:  c.Streams,
	}
	if c.Checkpoints != nil {
		deps.Checkpointer = c.Checkpoints
	}
	c.Engine, err = workflows.NewEngine(deps, EngineOptions(cfg.Research), logger, o.observers...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// EngineOptions maps the research section of the configuration.
func EngineOptions(r config.ResearchConfig) workflows.Options {
	return workflows.Options{
		MaxPlanIterations:       r.MaxPlanIterations,
		MaxStepNum:              r.MaxStepNum,
		MaxSubagents:            r.MaxSubagents,
		AutoAcceptPlan:          r.AutoAcceptPlan,
		BackgroundInvestigation: r.BackgroundInvestigation,
		Parallel: execution.ParallelConfig{
			MaxConcurrency: r.MaxConcurrency,
			TaskTimeout:    r.TaskTimeout,
			MaxAttempts:    r.MaxAttempts,
		},
		Sequential: execution.SequentialConfig{
			TaskTimeout:         r.TaskTimeout,
			ContextTokenLimit:   r.ContextTokenLimit,
			MaxSteps:            r.MaxAgentSteps,
			PassPreviousResults: true,
		},
	}
}

func (c *Components) breaker(name, service string) *circuitbreaker.CircuitBreaker {
	b := c.Config.CircuitBreaker
	cfg := circuitbreaker.DefaultConfig()
	if b.FailureThreshold > 0 {
		cfg.FailureThreshold = b.FailureThreshold
	}
	if b.SuccessThreshold > 0 {
		cfg.SuccessThreshold = b.SuccessThreshold
	}
	if b.HalfOpenRequests > 0 {
		cfg.MaxRequests = b.HalfOpenRequests
	}
	if b.Interval > 0 {
		cfg.Interval = b.Interval
	}
	if b.ResetTimeout > 0 {
		cfg.Timeout = b.ResetTimeout
	}
	return circuitbreaker.NewCircuitBreaker(name, service, cfg, c.logger)
}

// buildTools registers the worker tools and returns the search tool used
// for background investigation.
func (c *Components) buildTools(backend tools.Searcher) (tools.Tool, error) {
	t := c.Config.Tools
	var search tools.Tool
	if backend != nil {
		search = tools.NewSearchToolWithBackend(backend)
	} else {
		s, err := tools.NewSearchTool(t.SearchMaxResults)
		if err != nil {
			return nil, err
		}
		search = s
	}
	searchBreaker := c.breaker("web-search", "search")
	if err := c.Health.RegisterChecker(health.NewBreakerHealthChecker("search", searchBreaker, false)); err != nil {
		return nil, err
	}
	var limiter *rate.Limiter
	if t.SearchRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(t.SearchRatePerSec), 1)
	}
	search = tools.WithInstrumentation(
		tools.WithCache(
			tools.WithBreaker(tools.WithRateLimit(search, limiter), searchBreaker),
			t.CacheSize, t.CacheTTL, tools.QueryKey),
		c.logger)

	crawl := tools.WithInstrumentation(
		tools.WithCache(
			tools.WithBreaker(tools.NewCrawlTool(t.CrawlTimeout, t.CrawlMaxChars), c.breaker("crawl", "crawl")),
			t.CacheSize, t.CacheTTL, tools.ExactKey),
		c.logger)
	python := tools.WithInstrumentation(tools.NewPythonTool(t.PythonInterpreter, t.PythonTimeout), c.logger)

	c.Tools = tools.NewRegistry(search, crawl, python)
	return search, nil
}

func (c *Components) buildClient(model llms.Model) (*llm.Client, error) {
	l := c.Config.LLM
	if model == nil {
		if l.APIKey == "" && l.BaseURL == "" {
			return nil, errors.New("llm.api_key (or OPENAI_API_KEY) is required unless llm.base_url points at a local endpoint")
		}
		m, err := llm.NewOpenAI(llm.Config{Model: l.Model, BaseURL: l.BaseURL, APIKey: l.APIKey})
		if err != nil {
			return nil, err
		}
		model = m
	}
	c.LLMBreaker = c.breaker("llm", "llm")
	if err := c.Health.RegisterChecker(health.NewBreakerHealthChecker("llm", c.LLMBreaker, true)); err != nil {
		return nil, err
	}
	opts := []llm.Option{llm.WithBreaker(c.LLMBreaker), llm.WithTimeout(l.Timeout)}
	if l.RequestsPerSec > 0 {
		burst := l.Burst
		if burst < 1 {
			burst = 1
		}
		opts = append(opts, llm.WithRateLimit(rate.NewLimiter(rate.Limit(l.RequestsPerSec), burst)))
	}
	return llm.NewClient(model, c.logger, opts...), nil
}

// Reload applies a changed configuration to the parts that support it.
func (c *Components) Reload(cfg *config.Config) error {
	c.Engine.UpdateOptions(EngineOptions(cfg.Research))
	c.Config = cfg
	return nil
}

// ReloadPolicy recompiles the tool policy.
func (c *Components) ReloadPolicy() error {
	return c.Policy.Load(context.Background())
}

// Close releases connections in reverse order of opening.
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
