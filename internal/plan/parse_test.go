package plan

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFencedParallelPlan(t *testing.T) {
	raw := "Here is the plan:\n```json\n" + `{
  "locale": "en-US",
  "planning_mode": "parallel_multi_agent",
  "thought": "two angles",
  "title": "EV market",
  "subagent_streams": [
    {"stream_id": "current_state", "research_focus": "Current State Analysis", "description": "now", "tool_requirements": ["web_search"]},
    {"stream_id": "future_trends", "research_focus": "Future Trends & Implications", "description": "next", "estimated_calls": 3}
  ]
}` + "\n```"

	p, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, ModeParallel, p.Mode())
	assert.Equal(t, "EV market", p.Title)
	assert.Equal(t, "two angles", p.Rationale)

	pp, ok := p.Parallel()
	require.True(t, ok)
	require.Len(t, pp.Streams, 2)
	assert.Equal(t, []string{"web_search"}, pp.Streams[0].RequiredTools)
	assert.Equal(t, 10, pp.Streams[0].EstimatedCalls)
	assert.Equal(t, 3, pp.Streams[1].EstimatedCalls)
}

func TestParseRepairsBrokenJSON(t *testing.T) {
	raw := `{"planning_mode": "sequential_steps", "title": "t", "has_enough_context": false,
	"steps": [{"need_search": true, "title": "s1", "description": "d", "step_type": "RESEARCH",},]`

	p, err := Parse(raw)
	require.NoError(t, err)
	sp, ok := p.Sequential()
	require.True(t, ok)
	require.Len(t, sp.Steps, 1)
	assert.Equal(t, StepResearch, sp.Steps[0].Type)
}

func TestParseRejectsMissingMode(t *testing.T) {
	_, err := Parse(`{"title": "t", "steps": []}`)
	assert.ErrorIs(t, err, ErrMalformedPlan)
}

func TestParseRejectsProse(t *testing.T) {
	_, err := Parse("I could not come up with a plan.")
	assert.ErrorIs(t, err, ErrMalformedPlan)
}

func TestParseHasEnoughContext(t *testing.T) {
	p, err := Parse(`{"planning_mode":"sequential_steps","title":"t","has_enough_context":true,"steps":[]}`)
	require.NoError(t, err)
	assert.True(t, p.HasEnoughContext())
}

func TestParseParallelHasEnoughContext(t *testing.T) {
	p, err := Parse(`{"planning_mode":"parallel_multi_agent","title":"t","has_enough_context":true,
		"subagent_streams":[{"stream_id":"a","research_focus":"x"},{"stream_id":"b","research_focus":"y"}]}`)
	require.NoError(t, err)
	assert.True(t, p.HasEnoughContext())

	data, err := json.Marshal(p)
	require.NoError(t, err)
	var back Plan
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.HasEnoughContext())
	pp, ok := back.Parallel()
	require.True(t, ok)
	assert.Len(t, pp.Streams, 2)
}
