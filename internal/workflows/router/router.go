// Package router decides the next stage of a research run. Every decision
// is a pure function of its inputs; callers log and publish the returned
// Decision themselves.
package router

import (
	"fmt"

	"github.com/Kocoro-lab/deepresearch/internal/plan"
)

// Stage names a node of the research state machine.
type Stage string

const (
	StageCoordinator        Stage = "coordinator"
	StageBackground         Stage = "background_investigation"
	StagePlanner            Stage = "planner"
	StageHumanFeedback      Stage = "human_feedback"
	StageParallelResearch   Stage = "parallel_research"
	StageSequentialResearch Stage = "sequential_research"
	StageResearcher         Stage = "researcher"
	StageCoder              Stage = "coder"
	StageReporter           Stage = "reporter"
	StageEnd                Stage = "end"
)

// Decision is one routing step.
type Decision struct {
	From   Stage
	To     Stage
	Reason string
	// StepIndex is the sequential step to execute when To is researcher or coder.
	StepIndex int
}

func (d Decision) String() string {
	return fmt.Sprintf("%s -> %s (%s)", d.From, d.To, d.Reason)
}

var transitions = map[Stage][]Stage{
	StageCoordinator:        {StageBackground, StagePlanner, StageEnd},
	StageBackground:         {StagePlanner},
	StagePlanner:            {StageReporter, StageParallelResearch, StageHumanFeedback, StageSequentialResearch, StageEnd},
	StageHumanFeedback:      {StagePlanner, StageReporter, StageParallelResearch},
	StageParallelResearch:   {StageReporter},
	StageSequentialResearch: {StageResearcher, StageCoder, StagePlanner},
	StageResearcher:         {StageSequentialResearch},
	StageCoder:              {StageSequentialResearch},
	StageReporter:           {StageEnd},
}

// Allowed reports whether from -> to is part of the state machine.
func Allowed(from, to Stage) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Successors returns the stages reachable from s.
func Successors(s Stage) []Stage {
	return append([]Stage(nil), transitions[s]...)
}

// AfterCoordinator routes on whether a research goal was handed off.
func AfterCoordinator(extracted, backgroundEnabled bool) Decision {
	d := Decision{From: StageCoordinator}
	switch {
	case !extracted:
		d.To, d.Reason = StageEnd, "no research goal extracted"
	case backgroundEnabled:
		d.To, d.Reason = StageBackground, "background investigation enabled"
	default:
		d.To, d.Reason = StagePlanner, "goal extracted"
	}
	return d
}

func AfterBackground() Decision {
	return Decision{From: StageBackground, To: StagePlanner, Reason: "background collected"}
}

// BeforePlanning stops planning once the iteration budget is spent.
// ok is false when the planner should not run.
func BeforePlanning(iterations, maxIterations int) (Decision, bool) {
	if iterations >= maxIterations {
		return Decision{From: StagePlanner, To: StageReporter, Reason: "plan iteration budget exhausted"}, false
	}
	return Decision{}, true
}

// PlannerOutcome is what the planner stage produced.
type PlannerOutcome struct {
	// Plan is nil when ParseErr is set.
	Plan           *plan.Plan
	ParseErr       error
	Iterations     int
	Observations   int
	ReviewRequired bool
}

// AfterPlanner routes a freshly produced plan.
func AfterPlanner(o PlannerOutcome) Decision {
	d := Decision{From: StagePlanner}
	if o.ParseErr != nil || o.Plan == nil {
		if o.Iterations > 0 || o.Observations > 0 {
			d.To, d.Reason = StageReporter, "plan unusable, reporting gathered context"
		} else {
			d.To, d.Reason = StageEnd, "plan unusable and nothing gathered"
		}
		return d
	}
	if o.Plan.HasEnoughContext() {
		d.To, d.Reason = StageReporter, "plan reports enough context"
		return d
	}
	switch o.Plan.Mode() {
	case plan.ModeParallel:
		d.To, d.Reason = StageParallelResearch, "parallel plan"
	case plan.ModeSequential:
		if o.ReviewRequired {
			d.To, d.Reason = StageHumanFeedback, "sequential plan awaiting review"
		} else {
			d.To, d.Reason = StageSequentialResearch, "sequential plan auto-accepted"
		}
	default:
		d.To, d.Reason = StageEnd, fmt.Sprintf("unknown plan mode %q", o.Plan.Mode())
	}
	return d
}

// FeedbackKind is the reviewer's verdict on a plan.
type FeedbackKind int

const (
	FeedbackAccept FeedbackKind = iota
	FeedbackEdit
)

// AfterHumanFeedback routes a review verdict. An accepted plan is always
// researched in parallel.
func AfterHumanFeedback(kind FeedbackKind, p *plan.Plan) Decision {
	d := Decision{From: StageHumanFeedback}
	switch kind {
	case FeedbackEdit:
		d.To, d.Reason = StagePlanner, "plan edit requested"
	case FeedbackAccept:
		if p != nil && p.HasEnoughContext() {
			d.To, d.Reason = StageReporter, "plan accepted with enough context"
		} else {
			d.To, d.Reason = StageParallelResearch, "plan accepted"
		}
	}
	return d
}

func AfterParallelResearch() Decision {
	return Decision{From: StageParallelResearch, To: StageReporter, Reason: "all streams finished"}
}

// NextSequential picks the first step without a result. Once every step
// has one, control returns to the planner.
func NextSequential(p *plan.Plan) Decision {
	d := Decision{From: StageSequentialResearch, StepIndex: -1}
	sp, ok := p.Sequential()
	if !ok {
		d.To, d.Reason = StagePlanner, "no sequential plan"
		return d
	}
	idx, pending := sp.NextIncomplete()
	if !pending {
		d.To, d.Reason = StagePlanner, "all steps executed"
		return d
	}
	d.StepIndex = idx
	switch sp.Steps[idx].Type {
	case plan.StepProcessing:
		d.To = StageCoder
	default:
		d.To = StageResearcher
	}
	d.Reason = fmt.Sprintf("step %d: %s", idx, sp.Steps[idx].Title)
	return d
}

// AfterStep returns from a worker stage to the sequential dispatcher.
func AfterStep(from Stage) Decision {
	return Decision{From: from, To: StageSequentialResearch, Reason: "step recorded"}
}

func AfterReporter() Decision {
	return Decision{From: StageReporter, To: StageEnd, Reason: "report written"}
}
