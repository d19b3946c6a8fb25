package router

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/deepresearch/internal/plan"
)

func parallelPlan() *plan.Plan {
	return plan.NewParallel("en", "t", "", plan.ParallelPlan{Streams: []plan.Stream{{ID: "a"}}})
}

func sequentialPlan(enough bool, steps ...plan.Step) *plan.Plan {
	return plan.NewSequential("en", "t", "", plan.SequentialPlan{HasEnoughContext: enough, Steps: steps})
}

func assertAllowed(t *testing.T, d Decision) {
	t.Helper()
	assert.True(t, Allowed(d.From, d.To), "transition %s not in table", d)
}

func TestAfterCoordinator(t *testing.T) {
	tests := []struct {
		extracted, background bool
		want                  Stage
	}{
		{false, false, StageEnd},
		{false, true, StageEnd},
		{true, true, StageBackground},
		{true, false, StagePlanner},
	}
	for _, tt := range tests {
		d := AfterCoordinator(tt.extracted, tt.background)
		assert.Equal(t, tt.want, d.To)
		assertAllowed(t, d)
	}
}

func TestBeforePlanning(t *testing.T) {
	d, ok := BeforePlanning(1, 1)
	assert.False(t, ok)
	assert.Equal(t, StageReporter, d.To)
	assertAllowed(t, d)

	_, ok = BeforePlanning(0, 1)
	assert.True(t, ok)
}

func TestAfterPlanner(t *testing.T) {
	parseErr := errors.New("bad json")
	tests := []struct {
		name string
		in   PlannerOutcome
		want Stage
	}{
		{"parse failure first iteration", PlannerOutcome{ParseErr: parseErr}, StageEnd},
		{"parse failure after iteration", PlannerOutcome{ParseErr: parseErr, Iterations: 1}, StageReporter},
		{"parse failure with observations", PlannerOutcome{ParseErr: parseErr, Observations: 2}, StageReporter},
		{"enough context", PlannerOutcome{Plan: sequentialPlan(true), Iterations: 1}, StageReporter},
		{"parallel", PlannerOutcome{Plan: parallelPlan(), Iterations: 1, ReviewRequired: true}, StageParallelResearch},
		{"parallel with enough context", PlannerOutcome{Plan: plan.NewParallel("en", "t", "", plan.ParallelPlan{
			HasEnoughContext: true, Streams: []plan.Stream{{ID: "a"}},
		})}, StageReporter},
		{"sequential needs review", PlannerOutcome{Plan: sequentialPlan(false), Iterations: 1, ReviewRequired: true}, StageHumanFeedback},
		{"sequential auto accepted", PlannerOutcome{Plan: sequentialPlan(false), Iterations: 1}, StageSequentialResearch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := AfterPlanner(tt.in)
			assert.Equal(t, tt.want, d.To)
			assertAllowed(t, d)
		})
	}
}

func TestAfterHumanFeedback(t *testing.T) {
	d := AfterHumanFeedback(FeedbackEdit, sequentialPlan(false))
	assert.Equal(t, StagePlanner, d.To)
	assertAllowed(t, d)

	d = AfterHumanFeedback(FeedbackAccept, sequentialPlan(true))
	assert.Equal(t, StageReporter, d.To)
	assertAllowed(t, d)

	d = AfterHumanFeedback(FeedbackAccept, sequentialPlan(false))
	assert.Equal(t, StageParallelResearch, d.To)
	assertAllowed(t, d)
}

func TestNextSequentialPicksFirstIncompleteStep(t *testing.T) {
	p := sequentialPlan(false,
		plan.Step{Title: "gather", Type: plan.StepResearch},
		plan.Step{Title: "compute", Type: plan.StepProcessing},
		plan.Step{Title: "verify", Type: plan.StepResearch},
	)
	sp, _ := p.Sequential()

	d := NextSequential(p)
	assert.Equal(t, StageResearcher, d.To)
	assert.Equal(t, 0, d.StepIndex)

	require.NoError(t, sp.RecordStepResult(0, "done"))
	d = NextSequential(p)
	assert.Equal(t, StageCoder, d.To, "processing step precedes the later research step")
	assert.Equal(t, 1, d.StepIndex)
	assertAllowed(t, d)

	require.NoError(t, sp.RecordStepResult(1, "done"))
	require.NoError(t, sp.RecordStepResult(2, "done"))
	d = NextSequential(p)
	assert.Equal(t, StagePlanner, d.To)
	assert.Equal(t, -1, d.StepIndex)
	assertAllowed(t, d)
}

func TestNextSequentialOnParallelPlan(t *testing.T) {
	d := NextSequential(parallelPlan())
	assert.Equal(t, StagePlanner, d.To)
}

func TestFixedEdges(t *testing.T) {
	for _, d := range []Decision{
		AfterBackground(),
		AfterParallelResearch(),
		AfterStep(StageResearcher),
		AfterStep(StageCoder),
		AfterReporter(),
	} {
		assertAllowed(t, d)
	}
	assert.False(t, Allowed(StageParallelResearch, StagePlanner))
	assert.False(t, Allowed(StageEnd, StageCoordinator))
	assert.Empty(t, Successors(StageEnd))
}
