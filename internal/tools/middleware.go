package tools

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/deepresearch/internal/circuitbreaker"
	"github.com/Kocoro-lab/deepresearch/internal/metrics"
)

// wrapped forwards the descriptive methods to the inner tool.
type wrapped struct {
	Tool
	exec func(ctx context.Context, input string) (string, error)
}

func (w *wrapped) Execute(ctx context.Context, input string) (string, error) {
	return w.exec(ctx, input)
}

// WithRateLimit blocks each call until limiter admits it.
func WithRateLimit(t Tool, limiter *rate.Limiter) Tool {
	if limiter == nil {
		return t
	}
	return &wrapped{Tool: t, exec: func(ctx context.Context, input string) (string, error) {
		if err := limiter.Wait(ctx); err != nil {
			return "", err
		}
		return t.Execute(ctx, input)
	}}
}

// CacheKey maps a tool input onto its cache key.
type CacheKey func(input string) string

// QueryKey folds case and whitespace. Search queries that differ only in
// those share a result.
func QueryKey(input string) string {
	return strings.Join(strings.Fields(strings.ToLower(input)), " ")
}

// ExactKey only trims surrounding whitespace. URLs and file paths are case
// sensitive.
func ExactKey(input string) string {
	return strings.TrimSpace(input)
}

// WithCache memoizes successful results by key(input) for ttl.
// Only use it on tools whose output depends on the input alone.
func WithCache(t Tool, size int, ttl time.Duration, key CacheKey) Tool {
	if size <= 0 {
		return t
	}
	if key == nil {
		key = ExactKey
	}
	cache := expirable.NewLRU[string, string](size, nil, ttl)
	name := t.Name()
	return &wrapped{Tool: t, exec: func(ctx context.Context, input string) (string, error) {
		k := key(input)
		if out, ok := cache.Get(k); ok {
			metrics.ToolCacheHits.WithLabelValues(name).Inc()
			return out, nil
		}
		out, err := t.Execute(ctx, input)
		if err != nil {
			return "", err
		}
		cache.Add(k, out)
		return out, nil
	}}
}

// WithBreaker fails fast while the upstream behind t keeps failing.
func WithBreaker(t Tool, cb *circuitbreaker.CircuitBreaker) Tool {
	if cb == nil {
		return t
	}
	return &wrapped{Tool: t, exec: func(ctx context.Context, input string) (string, error) {
		var out string
		err := cb.Execute(ctx, func(ctx context.Context) error {
			var err error
			out, err = t.Execute(ctx, input)
			return err
		})
		return out, err
	}}
}

// WithInstrumentation records call counts and latency, and logs failures.
func WithInstrumentation(t Tool, logger *zap.Logger) Tool {
	name := t.Name()
	return &wrapped{Tool: t, exec: func(ctx context.Context, input string) (string, error) {
		start := time.Now()
		out, err := t.Execute(ctx, input)
		metrics.ToolLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ToolCalls.WithLabelValues(name, "error").Inc()
			if logger != nil {
				logger.Warn("Tool call failed", zap.String("tool", name), zap.Error(err))
			}
			return "", err
		}
		metrics.ToolCalls.WithLabelValues(name, "success").Inc()
		return out, nil
	}}
}
