package health

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"

	"github.com/Kocoro-lab/deepresearch/internal/circuitbreaker"
)

// slowThreshold marks a responding backend as degraded.
const slowThreshold = 100 * time.Millisecond

// RedisHealthChecker checks Redis connectivity
type RedisHealthChecker struct {
	client  redis.UniversalClient
	timeout time.Duration
}

func NewRedisHealthChecker(client redis.UniversalClient) *RedisHealthChecker {
	return &RedisHealthChecker{client: client, timeout: 5 * time.Second}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return true }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := r.client.Ping(ctx).Err()
	return latencyResult("Redis", time.Since(start), err)
}

// DatabaseHealthChecker checks the checkpoint database
type DatabaseHealthChecker struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewDatabaseHealthChecker(db *sqlx.DB) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{db: db, timeout: 5 * time.Second}
}

func (d *DatabaseHealthChecker) Name() string { return "database" }

// Checkpoints are best-effort, so the database never blocks readiness.
func (d *DatabaseHealthChecker) IsCritical() bool       { return false }
func (d *DatabaseHealthChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := d.db.PingContext(ctx)
	res := latencyResult("Database", time.Since(start), err)
	if err == nil {
		stats := d.db.Stats()
		res.Details["open_connections"] = stats.OpenConnections
		res.Details["in_use"] = stats.InUse
	}
	return res
}

// BreakerHealthChecker reports a circuit breaker guarding a dependency,
// such as the model provider.
type BreakerHealthChecker struct {
	name     string
	cb       *circuitbreaker.CircuitBreaker
	critical bool
}

func NewBreakerHealthChecker(name string, cb *circuitbreaker.CircuitBreaker, critical bool) *BreakerHealthChecker {
	return &BreakerHealthChecker{name: name, cb: cb, critical: critical}
}

func (b *BreakerHealthChecker) Name() string           { return b.name }
func (b *BreakerHealthChecker) IsCritical() bool       { return b.critical }
func (b *BreakerHealthChecker) Timeout() time.Duration { return time.Second }

func (b *BreakerHealthChecker) Check(context.Context) CheckResult {
	state := b.cb.State()
	counts := b.cb.Counts()
	res := CheckResult{
		Details: map[string]interface{}{
			"state":                state.String(),
			"consecutive_failures": counts.ConsecutiveFailures,
		},
	}
	switch state {
	case circuitbreaker.StateOpen:
		res.Status, res.Message = StatusUnhealthy, "circuit breaker open"
	case circuitbreaker.StateHalfOpen:
		res.Status, res.Message = StatusDegraded, "circuit breaker probing"
	default:
		res.Status, res.Message = StatusHealthy, "circuit breaker closed"
	}
	return res
}

// TemporalHealthChecker checks the Temporal frontend
type TemporalHealthChecker struct {
	client  client.Client
	timeout time.Duration
}

func NewTemporalHealthChecker(c client.Client) *TemporalHealthChecker {
	return &TemporalHealthChecker{client: c, timeout: 5 * time.Second}
}

func (t *TemporalHealthChecker) Name() string           { return "temporal" }
func (t *TemporalHealthChecker) IsCritical() bool       { return false }
func (t *TemporalHealthChecker) Timeout() time.Duration { return t.timeout }

func (t *TemporalHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	_, err := t.client.CheckHealth(ctx, &client.CheckHealthRequest{})
	return latencyResult("Temporal", time.Since(start), err)
}

// CustomHealthChecker wraps a function as a Checker
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{name: name, critical: critical, timeout: timeout, checkFn: checkFn}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}

func latencyResult(component string, latency time.Duration, err error) CheckResult {
	res := CheckResult{Details: map[string]interface{}{"latency_ms": latency.Milliseconds()}}
	switch {
	case err != nil:
		res.Status = StatusUnhealthy
		res.Error = err.Error()
		res.Message = component + " ping failed"
	case latency > slowThreshold:
		res.Status = StatusDegraded
		res.Message = component + " responding but with high latency"
	default:
		res.Status = StatusHealthy
		res.Message = component + " healthy"
	}
	return res
}
