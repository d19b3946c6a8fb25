package execution

import (
	"context"
	"time"

	"github.com/Kocoro-lab/deepresearch/internal/tools"
)

// Role selects the worker flavour for a task.
type Role string

const (
	RoleResearcher Role = "researcher"
	RoleCoder      Role = "coder"
)

const (
	DefaultContextTokenLimit = 50000
	DefaultMaxSteps          = 15

	// Confidence assigned to results. Failed tasks always get 0.
	SuccessConfidence   = 0.85
	TruncatedConfidence = 0.6
)

// Task describes one unit of delegated work. It is produced by the
// decomposer and consumed once by a worker.
type Task struct {
	AgentID           string
	StreamID          string
	Aspect            string
	Focus             string
	Description       string
	Role              Role
	ToolNames         []string
	Tools             []tools.Tool
	ContextTokenLimit int
	MaxSteps          int
	EstimatedCalls    int
}

// Output is what a worker hands back for one task.
type Output struct {
	Content string
	// Steps is the number of reasoning iterations used.
	Steps int
	// TokensUsed counts context tokens consumed.
	TokensUsed int
	// Truncated is set when the worker stopped because its step cap or
	// context budget ran out.
	Truncated bool
}

// Worker executes one task. Instances are not shared between tasks.
type Worker interface {
	Run(ctx context.Context, task Task) (Output, error)
}

// WorkerFactory returns a fresh, isolated worker for the task.
type WorkerFactory func(task Task) Worker

// Result is the outcome of one task after compression.
type Result struct {
	AgentID    string
	StreamID   string
	Focus      string
	Role       Role
	Findings   string
	Raw        string
	Confidence float64
	Sources    []string
	Error      string
	Degraded   bool
	Attempts   int
	TokensUsed int
	Duration   time.Duration
}

// Listener observes task lifecycle. Calls may come from several goroutines.
type Listener interface {
	TaskStarted(task Task)
	TaskFinished(result Result)
}
