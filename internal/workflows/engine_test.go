package workflows

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/deepresearch/internal/db"
	"github.com/Kocoro-lab/deepresearch/internal/decompose"
	"github.com/Kocoro-lab/deepresearch/internal/llm"
	"github.com/Kocoro-lab/deepresearch/internal/plan"
	"github.com/Kocoro-lab/deepresearch/internal/review"
	"github.com/Kocoro-lab/deepresearch/internal/streaming"
	"github.com/Kocoro-lab/deepresearch/internal/workflows/patterns/execution"
	"github.com/Kocoro-lab/deepresearch/internal/workflows/router"
)

const quantumGoal = "Compare and evaluate the current landscape of quantum computing technologies and their detailed impact on cybersecurity"

type fakeGoals struct {
	goal llm.Goal
	ok   bool
	err  error
}

func (f fakeGoals) ExtractGoal(_ context.Context, input, locale string) (llm.Goal, bool, error) {
	if f.err != nil {
		return llm.Goal{}, false, f.err
	}
	g := f.goal
	if f.ok && g.Topic == "" {
		g.Topic, g.Locale = input, locale
	}
	return g, f.ok, nil
}

type fakePlanner struct {
	mu       sync.Mutex
	outputs  []string
	errs     []error
	requests []llm.PlanRequest
}

func (f *fakePlanner) GeneratePlan(_ context.Context, req llm.PlanRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.requests)
	f.requests = append(f.requests, req)
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i >= len(f.outputs) {
		return "", errors.New("planner script exhausted")
	}
	return f.outputs[i], nil
}

type fakeReporter struct {
	out   string
	err   error
	calls int
	got   llm.ReportRequest
}

func (f *fakeReporter) WriteReport(_ context.Context, req llm.ReportRequest) (string, error) {
	f.calls++
	f.got = req
	return f.out, f.err
}

type scriptedReviewer struct {
	answers []string
	calls   int
}

func (r *scriptedReviewer) Review(context.Context, string, *plan.Plan) (string, error) {
	ans := r.answers[r.calls]
	r.calls++
	return ans, nil
}

type recordingCheckpointer struct {
	mu     sync.Mutex
	saved  []db.Checkpoint
	failOn string
}

func (c *recordingCheckpointer) Save(_ context.Context, cp db.Checkpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cp.Stage == c.failOn {
		return errors.New("disk full")
	}
	c.saved = append(c.saved, cp)
	return nil
}

type fakeSearch struct{ queries []string }

func (f *fakeSearch) Name() string               { return "web_search" }
func (f *fakeSearch) Description() string        { return "search" }
func (f *fakeSearch) Parameters() map[string]any { return nil }
func (f *fakeSearch) Execute(_ context.Context, input string) (string, error) {
	f.queries = append(f.queries, input)
	return "Quantum threats to RSA are discussed at https://example.com/rsa", nil
}

type fakeWorker struct{ err error }

func (w fakeWorker) Run(ctx context.Context, task execution.Task) (execution.Output, error) {
	if w.err != nil {
		return execution.Output{}, w.err
	}
	return execution.Output{
		Content:    fmt.Sprintf("Key finding on %s.\nSource: https://example.com/%s", task.Focus, task.StreamID),
		Steps:      2,
		TokensUsed: 120,
	}, nil
}

// workerLog hands out fake workers and records what they were given.
type workerLog struct {
	mu    sync.Mutex
	tasks []execution.Task
	fail  map[string]error
}

func (l *workerLog) factory(task execution.Task) execution.Worker {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasks = append(l.tasks, task)
	return fakeWorker{err: l.fail[task.StreamID]}
}

func (l *workerLog) roles() []execution.Role {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]execution.Role, 0, len(l.tasks))
	for _, t := range l.tasks {
		out = append(out, t.Role)
	}
	return out
}

type fixture struct {
	planner  *fakePlanner
	reporter *fakeReporter
	workers  *workerLog
	events   *streaming.Manager
	deps     Dependencies
	opts     Options
}

func newFixture(t *testing.T, plans ...string) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &fixture{
		planner:  &fakePlanner{outputs: plans},
		reporter: &fakeReporter{out: "# Final report"},
		workers:  &workerLog{fail: map[string]error{}},
		events:   streaming.NewManager(512, logger),
		opts:     DefaultOptions(),
	}
	f.opts.BackgroundInvestigation = false
	f.deps = Dependencies{
		Goals:      fakeGoals{ok: true},
		Planner:    f.planner,
		Reporter:   f.reporter,
		Decomposer: decompose.New(nil, decompose.Config{}, logger),
		Workers:    f.workers.factory,
		Publisher:  f.events,
	}
	return f
}

func (f *fixture) engine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(f.deps, f.opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	return e
}

func (f *fixture) eventTypes(runID string) map[string]int {
	out := map[string]int{}
	for _, evt := range f.events.ReplaySince(runID, 0) {
		out[evt.Type]++
	}
	return out
}

func parallelPlanJSON(title string) string {
	return fmt.Sprintf(`{"locale": "en-US", "planning_mode": "parallel_multi_agent", "thought": "several angles", "title": %q, "subagent_streams": []}`, title)
}

func streamPlanJSON(title string, streams int) string {
	parts := make([]string, 0, streams)
	for i := 1; i <= streams; i++ {
		parts = append(parts, fmt.Sprintf(`{"stream_id": "s%d", "research_focus": "angle %d", "description": "look at angle %d"}`, i, i, i))
	}
	return fmt.Sprintf(`{"locale": "en-US", "planning_mode": "parallel_multi_agent", "thought": "several angles", "title": %q, "subagent_streams": [%s]}`,
		title, strings.Join(parts, ","))
}

func sequentialPlanJSON(title string, steps ...string) string {
	return fmt.Sprintf(`{"locale": "en-US", "planning_mode": "sequential_steps", "thought": "step by step", "title": %q, "has_enough_context": false, "steps": [%s]}`,
		title, strings.Join(steps, ","))
}

func stepJSON(title, typ string) string {
	return fmt.Sprintf(`{"need_search": true, "title": %q, "description": "do %s", "step_type": %q}`, title, title, typ)
}

func TestQuantumScenarioEndToEnd(t *testing.T) {
	f := newFixture(t, parallelPlanJSON(quantumGoal))
	f.workers.fail[decompose.StakeholderAnalysis] = errors.New("search tool timeout")
	search := &fakeSearch{}
	f.deps.Search = search
	f.opts.BackgroundInvestigation = true

	res, err := f.engine(t).Run(context.Background(), quantumGoal, "en-US", RunOptions{RunID: "run-quantum"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 1, res.PlanIterations)

	require.Len(t, f.planner.requests, 1)
	req := f.planner.requests[0]
	assert.Equal(t, 5, req.Complexity)
	assert.True(t, req.PreferParallel)
	assert.Contains(t, req.Background, "example.com/rsa")
	require.Len(t, search.queries, 1)
	assert.Contains(t, search.queries[0], "quantum computing")

	require.Len(t, res.Results, 5)
	wantStreams := []string{
		decompose.CurrentState,
		decompose.HistoricalContext,
		decompose.StakeholderAnalysis,
		decompose.TechnicalSpecs,
		decompose.DataAnalysis,
	}
	confident := 0
	for i, r := range res.Results {
		assert.Equal(t, wantStreams[i], r.StreamID, "results stay in catalog order")
		if i == 2 {
			assert.True(t, r.Degraded)
			assert.Equal(t, 0.0, r.Confidence)
			assert.Contains(t, r.Findings, "search tool timeout")
			continue
		}
		assert.False(t, r.Degraded)
		assert.InDelta(t, execution.SuccessConfidence, r.Confidence, 1e-9)
		confident++
	}
	assert.Equal(t, 4, confident)

	pp, ok := res.Plan.Parallel()
	require.True(t, ok)
	require.Len(t, pp.Streams, 5)
	for i, s := range pp.Streams {
		want := plan.StreamCompleted
		if i == 2 {
			want = plan.StreamFailed
		}
		assert.Equal(t, want, s.Status, s.ID)
		require.NotNil(t, s.Confidence)
	}
	assert.True(t, res.Plan.ResearchComplete())

	assert.Equal(t, 1, f.reporter.calls)
	assert.Len(t, f.reporter.got.Observations, 5)
	assert.Equal(t, quantumGoal, f.reporter.got.Title)
	assert.Equal(t, "# Final report", res.Report)

	types := f.eventTypes("run-quantum")
	assert.Equal(t, 5, types[streaming.EventObservation])
	assert.Equal(t, 5, types[streaming.EventAgentStarted])
	assert.Equal(t, 4, types[streaming.EventAgentCompleted])
	assert.Equal(t, 1, types[streaming.EventAgentFailed])
	assert.Equal(t, 1, types[streaming.EventPlan])
	assert.Equal(t, 1, types[streaming.EventReport])
	assert.Equal(t, 1, types[streaming.EventRunCompleted])
}

func TestRunWithoutGoal(t *testing.T) {
	f := newFixture(t)
	f.deps.Goals = fakeGoals{goal: llm.Goal{Reply: "Hello! How can I help?"}}

	res, err := f.engine(t).Run(context.Background(), "hi", "en-US", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoGoal, res.Outcome)
	assert.Equal(t, "Hello! How can I help?", res.Reply)
	assert.Empty(t, res.Report)
	assert.Empty(t, f.planner.requests)
	assert.Zero(t, f.reporter.calls)
}

func TestGoalExtractionErrorEndsRun(t *testing.T) {
	f := newFixture(t)
	f.deps.Goals = fakeGoals{err: errors.New("model unavailable")}

	res, err := f.engine(t).Run(context.Background(), "research batteries", "en-US", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoGoal, res.Outcome)
}

func TestUnusablePlanOnFirstIterationEndsRun(t *testing.T) {
	f := newFixture(t, "I cannot produce JSON today")

	res, err := f.engine(t).Run(context.Background(), "research batteries", "en-US", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoPlan, res.Outcome)
	assert.Zero(t, res.PlanIterations)
	assert.Zero(t, f.reporter.calls)
}

func TestSequentialPlanRunsStepsInOrder(t *testing.T) {
	f := newFixture(t, sequentialPlanJSON("Battery chemistry",
		stepJSON("gather market data", "research"),
		stepJSON("compute growth", "processing"),
		stepJSON("verify sources", "research"),
	))
	f.workers.fail["step_2"] = errors.New("crawl blocked")

	res, err := f.engine(t).Run(context.Background(), "battery chemistry", "en-US", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)

	assert.Equal(t, []execution.Role{execution.RoleResearcher, execution.RoleCoder, execution.RoleResearcher}, f.workers.roles())
	require.Len(t, res.Observations, 3)
	assert.True(t, strings.HasPrefix(res.Observations[0], "## gather market data"))
	assert.True(t, strings.HasPrefix(res.Observations[1], "## compute growth"))
	assert.Contains(t, res.Observations[2], "Step failed: crawl blocked")

	sp, ok := res.Plan.Sequential()
	require.True(t, ok)
	assert.True(t, sp.StepComplete())
	assert.Len(t, f.reporter.got.Observations, 3)
}

func TestParseFailureAfterResearchGoesToReporter(t *testing.T) {
	f := newFixture(t, sequentialPlanJSON("Battery chemistry", stepJSON("gather", "research")))
	f.planner.errs = []error{nil, errors.New("rate limited")}
	f.opts.MaxPlanIterations = 2

	res, err := f.engine(t).Run(context.Background(), "battery chemistry", "en-US", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Len(t, f.planner.requests, 2)
	assert.Len(t, f.planner.requests[1].Observations, 1, "second iteration sees the first step")
	assert.Equal(t, 1, res.PlanIterations)
	assert.Equal(t, 1, f.reporter.calls)
}

func TestReviewEditThenAccept(t *testing.T) {
	f := newFixture(t,
		sequentialPlanJSON("Solar panels", stepJSON("gather", "research")),
		sequentialPlanJSON("Solar panels", stepJSON("gather", "research"), stepJSON("costs", "research")),
	)
	reviewer := &scriptedReviewer{answers: []string{"[EDIT_PLAN] add a cost step", "[ACCEPTED]"}}
	f.deps.Reviewer = reviewer
	f.opts.AutoAcceptPlan = false
	f.opts.MaxPlanIterations = 2

	res, err := f.engine(t).Run(context.Background(), "solar panels", "en-US", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 2, reviewer.calls)
	require.Len(t, f.planner.requests, 2)
	assert.Equal(t, []string{"add a cost step"}, f.planner.requests[1].Feedback)

	// An accepted plan is researched in parallel over catalog aspects.
	assert.Equal(t, plan.ModeParallel, res.Plan.Mode())
	require.Len(t, res.Results, 2)
	assert.Equal(t, decompose.CurrentState, res.Results[0].StreamID)
	assert.Equal(t, decompose.FutureTrends, res.Results[1].StreamID)
}

func TestReviewEditThenAcceptWithDefaultIterations(t *testing.T) {
	f := newFixture(t,
		sequentialPlanJSON("Solar panels", stepJSON("gather", "research")),
		sequentialPlanJSON("Solar panels", stepJSON("gather", "research"), stepJSON("costs", "research")),
	)
	reviewer := &scriptedReviewer{answers: []string{"[EDIT_PLAN] add a cost step", "[ACCEPTED]"}}
	f.deps.Reviewer = reviewer
	f.opts.AutoAcceptPlan = false
	require.Equal(t, 1, f.opts.MaxPlanIterations)

	res, err := f.engine(t).Run(context.Background(), "solar panels", "en-US", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 2, reviewer.calls)
	require.Len(t, f.planner.requests, 2, "an edit re-plans even with a single iteration")
	assert.Zero(t, f.planner.requests[1].Iteration)
	assert.Equal(t, []string{"add a cost step"}, f.planner.requests[1].Feedback)
	assert.Equal(t, 1, res.PlanIterations)
	assert.NotEmpty(t, res.Results)
	assert.Equal(t, 1, f.reporter.calls)
}

func TestPlannedStreamsAreCappedAtSubagentCount(t *testing.T) {
	f := newFixture(t, streamPlanJSON(quantumGoal, 9))

	res, err := f.engine(t).Run(context.Background(), quantumGoal, "en-US", RunOptions{})
	require.NoError(t, err)
	require.Len(t, res.Results, 5)
	for i, r := range res.Results {
		assert.Equal(t, fmt.Sprintf("s%d", i+1), r.StreamID)
	}
	pp, ok := res.Plan.Parallel()
	require.True(t, ok)
	assert.Len(t, pp.Streams, 5)
	assert.True(t, res.Plan.ResearchComplete())

	f = newFixture(t, streamPlanJSON(quantumGoal, 9))
	res, err = f.engine(t).Run(context.Background(), quantumGoal, "en-US", RunOptions{MaxSubagents: 3})
	require.NoError(t, err)
	assert.Len(t, res.Results, 3)
}

func TestSingleStreamPlanFallsBackToDecomposition(t *testing.T) {
	f := newFixture(t, streamPlanJSON("Wind energy", 1))

	res, err := f.engine(t).Run(context.Background(), "wind energy", "en-US", RunOptions{})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.Equal(t, decompose.CurrentState, res.Results[0].StreamID)
	assert.Equal(t, decompose.FutureTrends, res.Results[1].StreamID)
}

func TestParallelPlanWithEnoughContextSkipsResearch(t *testing.T) {
	raw := `{"locale": "en-US", "planning_mode": "parallel_multi_agent", "title": "Wind energy", "has_enough_context": true,
		"subagent_streams": [{"stream_id": "a", "research_focus": "x"}, {"stream_id": "b", "research_focus": "y"}]}`
	f := newFixture(t, raw)

	res, err := f.engine(t).Run(context.Background(), "wind energy", "en-US", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Empty(t, res.Results)
	assert.Empty(t, f.workers.roles())
	assert.Equal(t, 1, f.reporter.calls)
}

func TestReviewProtocolViolationIsFatal(t *testing.T) {
	f := newFixture(t, sequentialPlanJSON("Solar panels", stepJSON("gather", "research")))
	f.deps.Reviewer = &scriptedReviewer{answers: []string{"looks fine to me"}}
	f.opts.AutoAcceptPlan = false
	cp := &recordingCheckpointer{}
	f.deps.Checkpointer = cp

	res, err := f.engine(t).Run(context.Background(), "solar panels", "en-US", RunOptions{RunID: "run-bad-review"})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, review.ErrProtocolViolation)

	last := cp.saved[len(cp.saved)-1]
	assert.Equal(t, "failed", last.Status)
	assert.Equal(t, string(router.StageHumanFeedback), last.Stage)
}

func TestReporterFailureFallsBack(t *testing.T) {
	f := newFixture(t, parallelPlanJSON("Wind energy"))
	f.reporter.err = errors.New("context length exceeded")

	res, err := f.engine(t).Run(context.Background(), "wind energy", "en-US", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.True(t, strings.HasPrefix(res.Report, "# Wind energy"))
	assert.Contains(t, res.Report, "Current State Analysis")
	assert.Contains(t, res.Report, "2 observations")
}

func TestCheckpointsFollowTransitions(t *testing.T) {
	f := newFixture(t, parallelPlanJSON("Wind energy"))
	cp := &recordingCheckpointer{failOn: string(router.StageReporter)}
	f.deps.Checkpointer = cp

	res, err := f.engine(t).Run(context.Background(), "wind energy", "en-US", RunOptions{RunID: "run-cp"})
	require.NoError(t, err, "checkpoint failures are logged, not fatal")

	var stages []string
	for _, c := range cp.saved {
		assert.Equal(t, "run-cp", c.RunID)
		stages = append(stages, c.Stage)
	}
	assert.Equal(t, []string{
		string(router.StagePlanner),
		string(router.StageParallelResearch),
		string(router.StageEnd),
		string(router.StageEnd),
	}, stages)
	last := cp.saved[len(cp.saved)-1]
	assert.Equal(t, string(OutcomeCompleted), last.Status)
	assert.Equal(t, res.PlanIterations, last.PlanIterations)
	assert.Contains(t, last.StateJSON, `"run_id":"run-cp"`)
}

func TestRunHonoursCancellation(t *testing.T) {
	f := newFixture(t, parallelPlanJSON("Wind energy"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine(t).Run(ctx, "wind energy", "en-US", RunOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.planner.requests)
}

func TestRunOptionsOverrideEngineOptions(t *testing.T) {
	f := newFixture(t, sequentialPlanJSON("Solar panels", stepJSON("gather", "research")))
	reviewer := &scriptedReviewer{answers: []string{"[accepted]"}}
	f.deps.Reviewer = reviewer
	manual := false

	res, err := f.engine(t).Run(context.Background(), "solar panels", "en-US", RunOptions{AutoAcceptPlan: &manual, MaxSubagents: 3})
	require.NoError(t, err)
	assert.Equal(t, 1, reviewer.calls)
	assert.Len(t, res.Results, 2, "short goals still get two subagents")
	assert.Equal(t, 3, f.planner.requests[0].MaxStreams)
}

func TestObserversSeeEveryTransition(t *testing.T) {
	f := newFixture(t, parallelPlanJSON("Wind energy"))
	var seen []router.Decision
	e, err := NewEngine(f.deps, f.opts, zaptest.NewLogger(t), ObserverFunc(func(_ *State, d router.Decision) {
		seen = append(seen, d)
	}))
	require.NoError(t, err)

	_, err = e.Run(context.Background(), "wind energy", "en-US", RunOptions{})
	require.NoError(t, err)
	want := []router.Stage{router.StagePlanner, router.StageParallelResearch, router.StageReporter, router.StageEnd}
	require.Len(t, seen, len(want))
	for i, d := range seen {
		assert.Equal(t, want[i], d.To)
		assert.True(t, router.Allowed(d.From, d.To))
	}
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine(Dependencies{}, DefaultOptions(), nil)
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestUpdateOptionsAppliesToLaterRuns(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)

	e.UpdateOptions(Options{
		MaxPlanIterations: 2,
		MaxSubagents:      3,
		Parallel:          execution.ParallelConfig{MaxConcurrency: 2},
	})
	s := e.settings(RunOptions{})
	assert.Equal(t, 2, s.maxIterations)
	assert.Equal(t, 3, s.maxSubagents)
	assert.Equal(t, 2, s.parallel.MaxConcurrency)
	assert.False(t, s.autoAccept)

	s = e.settings(RunOptions{MaxSubagents: 4})
	assert.Equal(t, 4, s.maxSubagents)

	e.UpdateOptions(Options{})
	s = e.settings(RunOptions{})
	assert.Equal(t, 1, s.maxIterations, "zero limits fall back to defaults")
	assert.Equal(t, 5, s.maxSubagents)
}
