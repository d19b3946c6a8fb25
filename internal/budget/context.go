// Package budget tracks the context window a single worker may fill.
package budget

import (
	"errors"
	"fmt"
	"sync"
)

var ErrBudgetExceeded = errors.New("context token budget exceeded")

// ContextBudget is owned by one worker instance; the mutex only guards
// against tools reporting back from helper goroutines.
type ContextBudget struct {
	mu      sync.Mutex
	limit   int
	used    int
	counter Counter
}

// NewContextBudget returns a budget of limit tokens. A non-positive limit is unbounded.
func NewContextBudget(limit int, counter Counter) *ContextBudget {
	if counter == nil {
		counter = Heuristic{}
	}
	return &ContextBudget{limit: limit, counter: counter}
}

// Charge adds text to the budget. When it does not fit, nothing is charged
// and ErrBudgetExceeded is returned.
func (b *ContextBudget) Charge(text string) (int, error) {
	n := b.counter.Count(text)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit > 0 && b.used+n > b.limit {
		return n, fmt.Errorf("%w: need %d, %d of %d left", ErrBudgetExceeded, n, b.limit-b.used, b.limit)
	}
	b.used += n
	return n, nil
}

// Fit truncates text to the remaining budget and charges it.
// It reports whether the text had to be cut.
func (b *ContextBudget) Fit(text string) (string, bool) {
	n := b.counter.Count(text)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit <= 0 || b.used+n <= b.limit {
		b.used += n
		return text, false
	}
	remaining := b.limit - b.used
	if remaining <= 0 {
		return "", true
	}
	cut := b.counter.Truncate(text, remaining)
	b.used = b.limit
	return cut, true
}

func (b *ContextBudget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

func (b *ContextBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit <= 0 {
		return -1
	}
	return b.limit - b.used
}

func (b *ContextBudget) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limit > 0 && b.used >= b.limit
}
