package review

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Kocoro-lab/deepresearch/internal/plan"
)

// Reviewer shows a plan to a human and returns their raw answer.
type Reviewer interface {
	Review(ctx context.Context, runID string, p *plan.Plan) (string, error)
}

// Submitter delivers an answer for a run that is waiting on review.
type Submitter interface {
	Submit(ctx context.Context, runID, feedback string) error
}

// Static answers every review with the same token.
type Static string

func (s Static) Review(context.Context, string, *plan.Plan) (string, error) {
	return string(s), nil
}

// AcceptAll accepts every plan.
const AcceptAll = Static(TokenAccepted)

// Broker is an in-process Reviewer/Submitter pair, used when the HTTP
// API and the engine share a process.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingReview
	timeout time.Duration
}

type pendingReview struct {
	plan   *plan.Plan
	answer chan string
}

func NewBroker(timeout time.Duration) *Broker {
	return &Broker{pending: make(map[string]*pendingReview), timeout: timeout}
}

func (b *Broker) Review(ctx context.Context, runID string, p *plan.Plan) (string, error) {
	pr := &pendingReview{plan: p.Clone(), answer: make(chan string, 1)}
	b.mu.Lock()
	b.pending[runID] = pr
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, runID)
		b.mu.Unlock()
	}()

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	select {
	case a := <-pr.answer:
		return a, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return "", ErrReviewTimeout
		}
		return "", ctx.Err()
	}
}

func (b *Broker) Submit(_ context.Context, runID, feedback string) error {
	b.mu.Lock()
	pr, ok := b.pending[runID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("no plan awaiting review for run %s", runID)
	}
	select {
	case pr.answer <- feedback:
		return nil
	default:
		return fmt.Errorf("review for run %s already answered", runID)
	}
}

// Pending returns the plan a run is waiting on, if any.
func (b *Broker) Pending(_ context.Context, runID string) (*plan.Plan, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pr, ok := b.pending[runID]
	if !ok {
		return nil, false, nil
	}
	return pr.plan.Clone(), true, nil
}
