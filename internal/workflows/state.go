package workflows

import (
	"encoding/json"
	"time"

	"github.com/Kocoro-lab/deepresearch/internal/plan"
	"github.com/Kocoro-lab/deepresearch/internal/workflows/patterns/execution"
	"github.com/Kocoro-lab/deepresearch/internal/workflows/router"
)

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeNoGoal    Outcome = "no_goal"
	OutcomeNoPlan    Outcome = "no_plan"
)

// State is the mutable record of one run. Only the engine goroutine writes it.
type State struct {
	RunID          string             `json:"run_id"`
	Goal           string             `json:"goal"`
	Locale         string             `json:"locale"`
	Topic          string             `json:"topic,omitempty"`
	Background     string             `json:"background,omitempty"`
	Plan           *plan.Plan         `json:"plan,omitempty"`
	Observations   []string           `json:"observations,omitempty"`
	Results        []execution.Result `json:"results,omitempty"`
	Feedback       []string           `json:"feedback,omitempty"`
	PlanIterations int                `json:"plan_iterations"`
	Stage          router.Stage       `json:"stage"`
	StepIndex      int                `json:"step_index"`
	Report         string             `json:"report,omitempty"`
	Reply          string             `json:"reply,omitempty"`
	Outcome        Outcome            `json:"outcome,omitempty"`
}

// researchTopic is what the planner and decomposer work on.
func (s *State) researchTopic() string {
	if s.Topic != "" {
		return s.Topic
	}
	return s.Goal
}

func (s *State) marshal() string {
	b, err := json.Marshal(s)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Result is returned from Engine.Run.
type Result struct {
	RunID          string
	Outcome        Outcome
	Report         string
	Plan           *plan.Plan
	Observations   []string
	Results        []execution.Result
	PlanIterations int
	// Reply is the coordinator's direct answer when no research was started.
	Reply    string
	Duration time.Duration
}

func resultFrom(s *State, d time.Duration) *Result {
	return &Result{
		RunID:          s.RunID,
		Outcome:        s.Outcome,
		Report:         s.Report,
		Plan:           s.Plan,
		Observations:   s.Observations,
		Results:        s.Results,
		PlanIterations: s.PlanIterations,
		Reply:          s.Reply,
		Duration:       d,
	}
}
