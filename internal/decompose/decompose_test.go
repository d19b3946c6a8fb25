package decompose

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/deepresearch/internal/plan"
	"github.com/Kocoro-lab/deepresearch/internal/tools"
	"github.com/Kocoro-lab/deepresearch/internal/workflows/patterns/execution"
)

const goal = "Analyze the current state and future implications of quantum computing in cryptography"

func aspectTypes(tasks []execution.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.Aspect
	}
	return out
}

func TestDecomposeCounts(t *testing.T) {
	d := New(nil, Config{}, zaptest.NewLogger(t))
	for n := 2; n <= 5; n++ {
		assert.Len(t, d.Decompose(context.Background(), goal, n), n)
	}
	assert.Len(t, d.Decompose(context.Background(), goal, 1), 2)
	assert.Len(t, d.Decompose(context.Background(), goal, 9), CatalogSize)
}

func TestDecomposeSelection(t *testing.T) {
	d := New(nil, Config{}, zaptest.NewLogger(t))
	ctx := context.Background()

	assert.Equal(t, []string{CurrentState, FutureTrends}, aspectTypes(d.Decompose(ctx, goal, 2)))
	assert.Equal(t, []string{CurrentState, HistoricalContext, FutureTrends}, aspectTypes(d.Decompose(ctx, goal, 3)))
	assert.Equal(t,
		[]string{CurrentState, HistoricalContext, StakeholderAnalysis, TechnicalSpecs, DataAnalysis},
		aspectTypes(d.Decompose(ctx, goal, 5)))
}

func TestDecomposeAssignsRolesAndTools(t *testing.T) {
	registry := tools.NewRegistry(tools.NewPythonTool("", 0), tools.NewCrawlTool(0, 0))
	d := New(registry, Config{}, zaptest.NewLogger(t))
	tasks := d.Decompose(context.Background(), goal, 5)

	ids := map[string]bool{}
	for _, task := range tasks {
		assert.True(t, strings.HasPrefix(task.AgentID, "subagent_"))
		assert.False(t, ids[task.AgentID], "duplicate agent id %s", task.AgentID)
		ids[task.AgentID] = true
		assert.Contains(t, task.Description, goal)
		assert.Equal(t, execution.DefaultContextTokenLimit, task.ContextTokenLimit)
		assert.Equal(t, execution.DefaultMaxSteps, task.MaxSteps)
	}

	byAspect := map[string]execution.Task{}
	for _, task := range tasks {
		byAspect[task.Aspect] = task
	}
	assert.Equal(t, execution.RoleResearcher, byAspect[CurrentState].Role)
	assert.Equal(t, []string{tools.WebSearch, tools.Crawl, tools.PythonREPL}, byAspect[CurrentState].ToolNames)
	assert.Equal(t, execution.RoleResearcher, byAspect[HistoricalContext].Role)
	assert.Equal(t, []string{tools.WebSearch, tools.Crawl}, byAspect[HistoricalContext].ToolNames)
	assert.Equal(t, execution.RoleCoder, byAspect[TechnicalSpecs].Role)
	assert.Equal(t, execution.RoleCoder, byAspect[DataAnalysis].Role)
	// web_search is not registered, so only two handles resolve.
	assert.Len(t, byAspect[DataAnalysis].Tools, 2)
}

type fakeIdentifier struct {
	aspects []Aspect
	err     error
}

func (f fakeIdentifier) IdentifyAspects(context.Context, string, int) ([]Aspect, error) {
	return f.aspects, f.err
}

func TestDecomposeUsesIdentifier(t *testing.T) {
	id := fakeIdentifier{aspects: []Aspect{
		{Type: "nist_standards", Focus: "NIST PQC standards", Description: "Track the standardisation"},
		{Type: FutureTrends, Focus: "Outlook", Description: "Where it goes"},
	}}
	d := New(nil, Config{}, zaptest.NewLogger(t), WithAspectIdentifier(id))
	tasks := d.Decompose(context.Background(), goal, 2)
	require.Len(t, tasks, 2)
	assert.Equal(t, "nist_standards", tasks[0].Aspect)
	assert.Equal(t, execution.RoleResearcher, tasks[0].Role)
	assert.Equal(t, execution.RoleCoder, tasks[1].Role)
}

func TestDecomposeFallsBackToCatalog(t *testing.T) {
	cases := map[string]fakeIdentifier{
		"error":      {err: errors.New("model timeout")},
		"wrong size": {aspects: []Aspect{{Type: "a", Focus: "A"}}},
		"duplicates": {aspects: []Aspect{{Type: "a", Focus: "A"}, {Type: "a", Focus: "A"}}},
	}
	for name, id := range cases {
		t.Run(name, func(t *testing.T) {
			d := New(nil, Config{}, zaptest.NewLogger(t), WithAspectIdentifier(id))
			tasks := d.Decompose(context.Background(), goal, 2)
			assert.Equal(t, []string{CurrentState, FutureTrends}, aspectTypes(tasks))
		})
	}
}

type denyRepl struct{}

func (denyRepl) AllowTool(_ context.Context, role, tool string) bool {
	return !(role == string(execution.RoleResearcher) && tool == tools.PythonREPL)
}

func TestDecomposeAppliesToolPolicy(t *testing.T) {
	d := New(nil, Config{}, zaptest.NewLogger(t), WithToolPolicy(denyRepl{}))
	tasks := d.Decompose(context.Background(), goal, 2)
	assert.Equal(t, []string{tools.WebSearch, tools.Crawl}, tasks[0].ToolNames)
	assert.Equal(t, []string{tools.WebSearch, tools.Crawl, tools.PythonREPL}, tasks[1].ToolNames)
}

func TestFromStreams(t *testing.T) {
	streams := []plan.Stream{
		{ID: DataAnalysis, ResearchFocus: "Numbers", Description: "count qubits", EstimatedCalls: 4},
		{ID: "vendor_landscape", ResearchFocus: "Vendors", Description: "who sells PQC", RequiredTools: []string{tools.WebSearch}},
		{ID: "benchmarks", ResearchFocus: "Benchmarks", Description: "measure", RequiredTools: []string{tools.PythonREPL}, ContextTokenLimit: 1000},
	}
	d := New(nil, Config{}, zaptest.NewLogger(t))
	tasks := d.FromStreams(context.Background(), streams)
	require.Len(t, tasks, 3)

	assert.Equal(t, DataAnalysis, tasks[0].StreamID)
	assert.Equal(t, execution.RoleCoder, tasks[0].Role)
	assert.Equal(t, 4, tasks[0].EstimatedCalls)

	assert.Equal(t, execution.RoleResearcher, tasks[1].Role)
	assert.Equal(t, []string{tools.WebSearch}, tasks[1].ToolNames)
	assert.Equal(t, plan.DefaultEstimatedCalls, tasks[1].EstimatedCalls)

	assert.Equal(t, execution.RoleCoder, tasks[2].Role)
	assert.Equal(t, 1000, tasks[2].ContextTokenLimit)
}
