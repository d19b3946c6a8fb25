package plan

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequentialFixture() *Plan {
	return NewSequential("en-US", "Battery recycling", "three steps", SequentialPlan{
		Steps: []Step{
			{NeedSearch: true, Title: "collect", Type: StepResearch},
			{Title: "compute", Type: StepProcessing},
			{NeedSearch: true, Title: "verify", Type: StepResearch},
		},
	})
}

func TestPlanAccessorsMatchMode(t *testing.T) {
	p := NewParallel("en-US", "t", "r", ParallelPlan{Streams: []Stream{{ID: "a"}}})
	_, ok := p.Sequential()
	assert.False(t, ok)
	pp, ok := p.Parallel()
	require.True(t, ok)
	assert.Equal(t, ModeParallel, p.Mode())
	assert.Equal(t, DefaultEstimatedCalls, pp.Streams[0].EstimatedCalls)
	assert.Equal(t, DefaultContextTokenLimit, pp.Streams[0].ContextTokenLimit)
	assert.Equal(t, StreamPending, pp.Streams[0].Status)
	assert.Equal(t, DefaultConfidenceTarget, pp.ConfidenceTarget)

	s := sequentialFixture()
	_, ok = s.Parallel()
	assert.False(t, ok)
	_, ok = s.Sequential()
	assert.True(t, ok)
}

func TestValidateRejectsDuplicateStreams(t *testing.T) {
	p := NewParallel("en", "t", "", ParallelPlan{Streams: []Stream{{ID: "a"}, {ID: "a"}}})
	err := p.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedPlan))
}

func TestValidateRejectsUnknownStepType(t *testing.T) {
	p := NewSequential("en", "t", "", SequentialPlan{Steps: []Step{{Title: "x", Type: "analysis"}}})
	assert.ErrorIs(t, p.Validate(), ErrMalformedPlan)
}

func TestStreamLifecycle(t *testing.T) {
	p := NewParallel("en", "t", "", ParallelPlan{Streams: []Stream{{ID: "a"}, {ID: "b"}}})
	pp, _ := p.Parallel()

	require.NoError(t, pp.MarkRunning("a"))
	assert.Len(t, p.ActiveStreams(), 2)

	require.NoError(t, pp.CompleteStream("a", "found it", 1.4))
	require.NoError(t, pp.FailStream("b", "Research failed: timeout"))
	assert.ErrorIs(t, pp.FailStream("zzz", "nope"), ErrUnknownStream)

	a, _ := pp.Stream("a")
	assert.Equal(t, StreamCompleted, a.Status)
	assert.Equal(t, 1.0, *a.Confidence)
	b, _ := pp.Stream("b")
	assert.Equal(t, 0.0, *b.Confidence)
	assert.Empty(t, p.ActiveStreams())
	assert.True(t, p.ResearchComplete())
}

func TestNextIncompleteFollowsDeclaredOrder(t *testing.T) {
	p := sequentialFixture()
	sp, _ := p.Sequential()

	i, ok := sp.NextIncomplete()
	require.True(t, ok)
	assert.Equal(t, 0, i)

	require.NoError(t, sp.RecordStepResult(0, "done"))
	i, ok = sp.NextIncomplete()
	require.True(t, ok)
	assert.Equal(t, 1, i)
	assert.Equal(t, StepProcessing, sp.Steps[i].Type)

	require.NoError(t, sp.RecordStepResult(1, "computed"))
	require.NoError(t, sp.RecordStepResult(2, "verified"))
	assert.True(t, sp.StepComplete())
	assert.True(t, p.ResearchComplete())
	assert.ErrorIs(t, sp.RecordStepResult(3, "x"), ErrStepOutOfRange)
}

func TestEstimatedTotalCalls(t *testing.T) {
	assert.Equal(t, 15, sequentialFixture().EstimatedTotalCalls())

	p := NewParallel("en", "t", "", ParallelPlan{Streams: []Stream{{ID: "a"}, {ID: "b", EstimatedCalls: 4}}})
	assert.Equal(t, 14, p.EstimatedTotalCalls())
}

func TestCloneIsDeep(t *testing.T) {
	p := sequentialFixture()
	c := p.Clone()
	sp, _ := c.Sequential()
	require.NoError(t, sp.RecordStepResult(0, "changed"))

	orig, _ := p.Sequential()
	assert.Nil(t, orig.Steps[0].ExecutionRes)
}

func TestPlanJSONKeepsMode(t *testing.T) {
	p := sequentialFixture()
	sp, _ := p.Sequential()
	require.NoError(t, sp.RecordStepResult(0, "partial"))

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var back Plan
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, ModeSequential, back.Mode())
	bs, ok := back.Sequential()
	require.True(t, ok)
	require.NotNil(t, bs.Steps[0].ExecutionRes)
	assert.Equal(t, "partial", *bs.Steps[0].ExecutionRes)
}
