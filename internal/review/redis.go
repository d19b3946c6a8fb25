package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/deepresearch/internal/plan"
)

const (
	defaultReviewTTL  = 20 * time.Minute
	defaultPollWindow = 5 * time.Second
)

// State is the review record stored under review:<runID>.
type State struct {
	RunID     string          `json:"run_id"`
	Status    string          `json:"status"`
	Plan      json.RawMessage `json:"plan"`
	Round     int             `json:"round"`
	UpdatedAt time.Time       `json:"updated_at"`
}

const (
	StatusReviewing = "reviewing"
	StatusAnswered  = "answered"
	StatusExpired   = "expired"
)

// RedisReviewer parks plans in Redis and waits for an answer pushed by
// another process (typically the HTTP API).
type RedisReviewer struct {
	rdb     redis.UniversalClient
	ttl     time.Duration
	timeout time.Duration
	logger  *zap.Logger
}

func NewRedisReviewer(rdb redis.UniversalClient, ttl, timeout time.Duration, logger *zap.Logger) *RedisReviewer {
	if ttl <= 0 {
		ttl = defaultReviewTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisReviewer{rdb: rdb, ttl: ttl, timeout: timeout, logger: logger}
}

func stateKey(runID string) string    { return fmt.Sprintf("review:%s", runID) }
func feedbackKey(runID string) string { return fmt.Sprintf("review:%s:feedback", runID) }

func (r *RedisReviewer) Review(ctx context.Context, runID string, p *plan.Plan) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal plan: %w", err)
	}
	round := 1
	if prev, ok, err := r.load(ctx, runID); err == nil && ok {
		round = prev.Round + 1
	}
	if err := r.store(ctx, State{RunID: runID, Status: StatusReviewing, Plan: raw, Round: round}); err != nil {
		return "", err
	}
	r.logger.Info("Plan awaiting review", zap.String("run_id", runID), zap.Int("round", round))

	var deadline time.Time
	if r.timeout > 0 {
		deadline = time.Now().Add(r.timeout)
	}
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		wait := defaultPollWindow
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				r.setStatus(ctx, runID, raw, round, StatusExpired)
				return "", ErrReviewTimeout
			}
			if left < wait {
				wait = left
			}
		}
		// BLPOP blocks the connection, so poll in short windows to notice
		// cancellation.
		res, err := r.rdb.BLPop(ctx, wait, feedbackKey(runID)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("wait for review: %w", err)
		}
		r.setStatus(ctx, runID, raw, round, StatusAnswered)
		return res[1], nil
	}
}

// Submit pushes an answer for runID. It fails when no review is open.
func (r *RedisReviewer) Submit(ctx context.Context, runID, feedback string) error {
	st, ok, err := r.load(ctx, runID)
	if err != nil {
		return err
	}
	if !ok || st.Status != StatusReviewing {
		return fmt.Errorf("no plan awaiting review for run %s", runID)
	}
	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, feedbackKey(runID), feedback)
	pipe.Expire(ctx, feedbackKey(runID), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push review feedback: %w", err)
	}
	return nil
}

// Pending returns the plan under review for runID.
func (r *RedisReviewer) Pending(ctx context.Context, runID string) (*plan.Plan, bool, error) {
	st, ok, err := r.load(ctx, runID)
	if err != nil || !ok || st.Status != StatusReviewing {
		return nil, false, err
	}
	var p plan.Plan
	if err := json.Unmarshal(st.Plan, &p); err != nil {
		return nil, false, fmt.Errorf("decode plan under review: %w", err)
	}
	return &p, true, nil
}

func (r *RedisReviewer) load(ctx context.Context, runID string) (State, bool, error) {
	raw, err := r.rdb.Get(ctx, stateKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("load review state: %w", err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, false, fmt.Errorf("decode review state: %w", err)
	}
	return st, true, nil
}

func (r *RedisReviewer) store(ctx context.Context, st State) error {
	st.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, stateKey(st.RunID), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("store review state: %w", err)
	}
	return nil
}

func (r *RedisReviewer) setStatus(ctx context.Context, runID string, planJSON json.RawMessage, round int, status string) {
	if err := r.store(ctx, State{RunID: runID, Status: status, Plan: planJSON, Round: round}); err != nil {
		r.logger.Warn("Failed to update review state", zap.String("run_id", runID), zap.Error(err))
	}
}
