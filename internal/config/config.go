// Package config loads the research service configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kocoro-lab/deepresearch/internal/policy"
	"github.com/Kocoro-lab/deepresearch/internal/tracing"
)

// Config is the full service configuration.
type Config struct {
	LLM            LLMConfig        `mapstructure:"llm"`
	Research       ResearchConfig   `mapstructure:"research"`
	Tools          ToolsConfig      `mapstructure:"tools"`
	CircuitBreaker BreakerConfig    `mapstructure:"circuit_breaker"`
	Policy         policy.Config    `mapstructure:"policy"`
	Redis          RedisConfig      `mapstructure:"redis"`
	Checkpoint     CheckpointConfig `mapstructure:"checkpoint"`
	Temporal       TemporalConfig   `mapstructure:"temporal"`
	Tracing        tracing.Config   `mapstructure:"tracing"`
	Server         ServerConfig     `mapstructure:"server"`
	Logging        LoggingConfig    `mapstructure:"logging"`
	Streaming      StreamingConfig  `mapstructure:"streaming"`
}

type LLMConfig struct {
	Provider       string        `mapstructure:"provider"`
	Model          string        `mapstructure:"model"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec"`
	Burst          int           `mapstructure:"burst"`
}

type ResearchConfig struct {
	MaxPlanIterations       int           `mapstructure:"max_plan_iterations"`
	MaxStepNum              int           `mapstructure:"max_step_num"`
	MaxSubagents            int           `mapstructure:"max_subagents"`
	MaxConcurrency          int           `mapstructure:"max_concurrency"`
	TaskTimeout             time.Duration `mapstructure:"task_timeout"`
	MaxAttempts             int           `mapstructure:"max_attempts"`
	ContextTokenLimit       int           `mapstructure:"context_token_limit"`
	MaxAgentSteps           int           `mapstructure:"max_agent_steps"`
	AutoAcceptPlan          bool          `mapstructure:"auto_accept_plan"`
	BackgroundInvestigation bool          `mapstructure:"background_investigation"`
	ModelAspects            bool          `mapstructure:"model_aspects"`
	ReviewTimeout           time.Duration `mapstructure:"review_timeout"`
	DefaultLocale           string        `mapstructure:"default_locale"`
}

type ToolsConfig struct {
	SearchMaxResults  int           `mapstructure:"search_max_results"`
	SearchRatePerSec  float64       `mapstructure:"search_rate_per_sec"`
	CrawlTimeout      time.Duration `mapstructure:"crawl_timeout"`
	CrawlMaxChars     int           `mapstructure:"crawl_max_chars"`
	PythonInterpreter string        `mapstructure:"python_interpreter"`
	PythonTimeout     time.Duration `mapstructure:"python_timeout"`
	CacheSize         int           `mapstructure:"cache_size"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
}

type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	SuccessThreshold uint32        `mapstructure:"success_threshold"`
	HalfOpenRequests uint32        `mapstructure:"half_open_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`

	// ReviewTTL bounds how long a plan review record is kept.
	ReviewTTL time.Duration `mapstructure:"review_ttl"`
}

type CheckpointConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Driver  string `mapstructure:"driver"`
	DSN     string `mapstructure:"dsn"`
}

type TemporalConfig struct {
	Host      string `mapstructure:"host"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`

	// MaxConcurrentRuns caps research activities per worker.
	MaxConcurrentRuns int `mapstructure:"max_concurrent_runs"`
}

type ServerConfig struct {
	AdminPort   int    `mapstructure:"admin_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	AuthToken   string `mapstructure:"auth_token"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StreamingConfig struct {
	RingCapacity int           `mapstructure:"ring_capacity"`
	RedisMaxLen  int64         `mapstructure:"redis_max_len"`
	RedisTTL     time.Duration `mapstructure:"redis_ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", 2*time.Minute)
	v.SetDefault("llm.requests_per_sec", 5.0)
	v.SetDefault("llm.burst", 5)

	v.SetDefault("research.max_plan_iterations", 1)
	v.SetDefault("research.max_step_num", 3)
	v.SetDefault("research.max_subagents", 5)
	v.SetDefault("research.max_concurrency", 5)
	v.SetDefault("research.task_timeout", 5*time.Minute)
	v.SetDefault("research.max_attempts", 1)
	v.SetDefault("research.context_token_limit", 50000)
	v.SetDefault("research.max_agent_steps", 15)
	v.SetDefault("research.auto_accept_plan", true)
	v.SetDefault("research.background_investigation", true)
	v.SetDefault("research.model_aspects", false)
	v.SetDefault("research.review_timeout", 20*time.Minute)
	v.SetDefault("research.default_locale", "en-US")

	v.SetDefault("tools.search_max_results", 5)
	v.SetDefault("tools.search_rate_per_sec", 1.0)
	v.SetDefault("tools.crawl_timeout", 30*time.Second)
	v.SetDefault("tools.crawl_max_chars", 20000)
	v.SetDefault("tools.python_interpreter", "python3")
	v.SetDefault("tools.python_timeout", 60*time.Second)
	v.SetDefault("tools.cache_size", 256)
	v.SetDefault("tools.cache_ttl", 15*time.Minute)

	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.success_threshold", 2)
	v.SetDefault("circuit_breaker.half_open_requests", 3)
	v.SetDefault("circuit_breaker.interval", 60*time.Second)
	v.SetDefault("circuit_breaker.reset_timeout", 30*time.Second)

	v.SetDefault("policy.enabled", true)
	v.SetDefault("policy.mode", string(policy.ModeEnforce))
	v.SetDefault("policy.fail_closed", false)
	v.SetDefault("policy.path", "")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.review_ttl", 20*time.Minute)

	v.SetDefault("checkpoint.enabled", false)
	v.SetDefault("checkpoint.driver", "sqlite3")
	v.SetDefault("checkpoint.dsn", "research.db")

	v.SetDefault("temporal.host", "")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "deepresearch")
	v.SetDefault("temporal.max_concurrent_runs", 4)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "deepresearch")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("server.admin_port", 8081)
	v.SetDefault("server.metrics_port", 2112)
	v.SetDefault("server.auth_token", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("streaming.ring_capacity", 256)
	v.SetDefault("streaming.redis_max_len", 256)
	v.SetDefault("streaming.redis_ttl", 24*time.Hour)
}

// DefaultPath returns CONFIG_PATH or config/research.yaml.
func DefaultPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config/research.yaml"
}

// Load reads path (optional: a missing file yields defaults), applies
// RESEARCH_* environment overrides and the plain secret variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("RESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applySecretEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applySecretEnv(cfg *Config) {
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = os.Getenv("REDIS_URL")
	}
	if cfg.Temporal.Host == "" {
		cfg.Temporal.Host = os.Getenv("TEMPORAL_HOST")
	}
	if cfg.Server.AuthToken == "" {
		cfg.Server.AuthToken = os.Getenv("ADMIN_TOKEN")
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	r := c.Research
	switch {
	case r.MaxPlanIterations < 1:
		return fmt.Errorf("research.max_plan_iterations must be >= 1, got %d", r.MaxPlanIterations)
	case r.MaxSubagents < 2:
		return fmt.Errorf("research.max_subagents must be >= 2, got %d", r.MaxSubagents)
	case r.MaxConcurrency < 1:
		return fmt.Errorf("research.max_concurrency must be >= 1, got %d", r.MaxConcurrency)
	case r.MaxAttempts < 1:
		return fmt.Errorf("research.max_attempts must be >= 1, got %d", r.MaxAttempts)
	}
	switch c.Policy.Mode {
	case policy.ModeOff, policy.ModeDryRun, policy.ModeEnforce:
	default:
		return fmt.Errorf("policy.mode %q is not one of off, dry-run, enforce", c.Policy.Mode)
	}
	switch c.Checkpoint.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("checkpoint.driver %q is not supported", c.Checkpoint.Driver)
	}
	return nil
}
