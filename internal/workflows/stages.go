package workflows

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/deepresearch/internal/complexity"
	"github.com/Kocoro-lab/deepresearch/internal/compress"
	"github.com/Kocoro-lab/deepresearch/internal/llm"
	"github.com/Kocoro-lab/deepresearch/internal/metrics"
	"github.com/Kocoro-lab/deepresearch/internal/plan"
	"github.com/Kocoro-lab/deepresearch/internal/review"
	"github.com/Kocoro-lab/deepresearch/internal/streaming"
	"github.com/Kocoro-lab/deepresearch/internal/workflows/patterns/execution"
	"github.com/Kocoro-lab/deepresearch/internal/workflows/router"
)

// step runs the active stage and returns the router's decision.
func (e *Engine) step(ctx context.Context, st *State, s settings) (router.Decision, error) {
	switch st.Stage {
	case router.StageCoordinator:
		return e.coordinate(ctx, st, s), nil
	case router.StageBackground:
		e.investigate(ctx, st)
		return router.AfterBackground(), nil
	case router.StagePlanner:
		return e.planStage(ctx, st, s), nil
	case router.StageHumanFeedback:
		return e.humanFeedback(ctx, st)
	case router.StageParallelResearch:
		return e.parallelResearch(ctx, st, s)
	case router.StageSequentialResearch:
		return router.NextSequential(st.Plan), nil
	case router.StageResearcher, router.StageCoder:
		return e.executeStep(ctx, st)
	case router.StageReporter:
		e.report(ctx, st)
		return router.AfterReporter(), nil
	case router.StageEnd:
		return router.Decision{}, fmt.Errorf("%w: end stage has no handler", ErrIllegalTransition)
	}
	return router.Decision{}, fmt.Errorf("%w: unknown stage %q", ErrIllegalTransition, st.Stage)
}

func (e *Engine) coordinate(ctx context.Context, st *State, s settings) router.Decision {
	goal, ok, err := e.deps.Goals.ExtractGoal(ctx, st.Goal, st.Locale)
	if err != nil {
		e.logger.Warn("Goal extraction failed", zap.String("run_id", st.RunID), zap.Error(err))
		ok = false
	}
	if ok {
		st.Topic = goal.Topic
		if goal.Locale != "" {
			st.Locale = goal.Locale
		}
	} else {
		st.Reply = goal.Reply
	}
	return router.AfterCoordinator(ok, s.background)
}

func (e *Engine) investigate(ctx context.Context, st *State) {
	if e.deps.Search == nil {
		e.logger.Debug("No search tool configured, skipping background investigation", zap.String("run_id", st.RunID))
		return
	}
	args, _ := json.Marshal(map[string]string{"query": st.researchTopic()})
	out, err := e.deps.Search.Execute(ctx, string(args))
	if err != nil {
		e.logger.Warn("Background investigation failed",
			zap.String("run_id", st.RunID),
			zap.Error(err),
		)
		return
	}
	st.Background = out
}

func (e *Engine) planStage(ctx context.Context, st *State, s settings) router.Decision {
	if d, ok := router.BeforePlanning(st.PlanIterations, s.maxIterations); !ok {
		return d
	}
	topic := st.researchTopic()
	raw, err := e.deps.Planner.GeneratePlan(ctx, llm.PlanRequest{
		Goal:           topic,
		Locale:         st.Locale,
		Background:     st.Background,
		Observations:   st.Observations,
		Feedback:       st.Feedback,
		Iteration:      st.PlanIterations,
		MaxSteps:       s.maxSteps,
		MaxStreams:     s.maxSubagents,
		Complexity:     complexity.Assess(topic),
		PreferParallel: complexity.PreferParallel(topic),
	})
	var p *plan.Plan
	if err == nil {
		p, err = plan.Parse(raw)
	}
	if err != nil {
		metrics.PlanParseFailures.Inc()
		e.logger.Warn("Planner produced no usable plan",
			zap.String("run_id", st.RunID),
			zap.Int("iteration", st.PlanIterations),
			zap.Error(err),
		)
		return router.AfterPlanner(router.PlannerOutcome{
			ParseErr:     err,
			Iterations:   st.PlanIterations,
			Observations: len(st.Observations),
		})
	}
	if p.Locale == "" {
		p.Locale = st.Locale
	}
	st.Plan = p
	e.deps.Publisher.Publish(st.RunID, streaming.Event{
		Type:    streaming.EventPlan,
		Message: p.Title,
		Data: map[string]interface{}{
			"mode":      string(p.Mode()),
			"iteration": st.PlanIterations + 1,
			"plan":      p,
		},
	})
	d := router.AfterPlanner(router.PlannerOutcome{
		Plan:           p,
		Iterations:     st.PlanIterations,
		Observations:   len(st.Observations),
		ReviewRequired: !s.autoAccept,
	})
	// An iteration counts once its plan is accepted. Reviewed plans are
	// counted in humanFeedback so an edit round can still re-plan.
	if d.To == router.StageParallelResearch || d.To == router.StageSequentialResearch {
		st.PlanIterations++
	}
	return d
}

func (e *Engine) humanFeedback(ctx context.Context, st *State) (router.Decision, error) {
	raw, err := e.deps.Reviewer.Review(ctx, st.RunID, st.Plan)
	if err != nil {
		return router.Decision{}, err
	}
	fb, err := review.ParseFeedback(raw)
	if err != nil {
		metrics.PlanReviews.WithLabelValues("invalid").Inc()
		return router.Decision{}, err
	}
	switch fb.Kind {
	case router.FeedbackEdit:
		metrics.PlanReviews.WithLabelValues("edit").Inc()
		st.Feedback = append(st.Feedback, fb.Comment)
	case router.FeedbackAccept:
		metrics.PlanReviews.WithLabelValues("accepted").Inc()
		st.PlanIterations++
	}
	return router.AfterHumanFeedback(fb.Kind, st.Plan), nil
}

// minPlannedStreams is the smallest planner stream list dispatched as is.
// Shorter lists are replaced by catalog decomposition.
const minPlannedStreams = 2

func (e *Engine) parallelResearch(ctx context.Context, st *State, s settings) (router.Decision, error) {
	var tasks []execution.Task
	n := complexity.SubagentCount(st.Plan.Title, s.maxSubagents)
	if pp, ok := st.Plan.Parallel(); ok && len(pp.Streams) >= minPlannedStreams {
		if len(pp.Streams) > n {
			e.logger.Info("Trimming planned streams to the subagent limit",
				zap.String("run_id", st.RunID),
				zap.Int("planned", len(pp.Streams)),
				zap.Int("limit", n),
			)
			trimmed := *pp
			trimmed.Streams = append([]plan.Stream(nil), pp.Streams[:n]...)
			st.Plan = plan.NewParallel(st.Plan.Locale, st.Plan.Title, st.Plan.Rationale, trimmed)
			pp, _ = st.Plan.Parallel()
		}
		tasks = e.deps.Decomposer.FromStreams(ctx, pp.Streams)
	} else {
		tasks = e.deps.Decomposer.Decompose(ctx, st.Plan.Title, n)
		streams := make([]plan.Stream, 0, len(tasks))
		for _, t := range tasks {
			streams = append(streams, plan.Stream{
				ID:                t.StreamID,
				ResearchFocus:     t.Focus,
				Description:       t.Description,
				RequiredTools:     t.ToolNames,
				EstimatedCalls:    t.EstimatedCalls,
				ContextTokenLimit: t.ContextTokenLimit,
			})
		}
		st.Plan = plan.NewParallel(st.Plan.Locale, st.Plan.Title, st.Plan.Rationale, plan.ParallelPlan{Streams: streams})
	}
	pp, _ := st.Plan.Parallel()
	for _, t := range tasks {
		if err := pp.MarkRunning(t.StreamID); err != nil {
			return router.Decision{}, err
		}
	}

	e.logger.Info("Dispatching parallel research",
		zap.String("run_id", st.RunID),
		zap.Int("subagents", len(tasks)),
	)
	coord := execution.NewCoordinator(e.deps.Workers, s.parallel, taskEvents{runID: st.RunID, pub: e.deps.Publisher}, e.logger)
	res := coord.Execute(ctx, tasks)
	if err := ctx.Err(); err != nil {
		return router.Decision{}, err
	}

	// Fan-in happens here, after every task returned, in dispatch order.
	for _, r := range res.Results {
		var err error
		if r.Degraded {
			err = pp.FailStream(r.StreamID, r.Findings)
		} else {
			err = pp.CompleteStream(r.StreamID, r.Findings, r.Confidence)
		}
		if err != nil {
			return router.Decision{}, err
		}
		obs := compress.Observation(r.Focus, r.Findings, r.Confidence, len(r.Sources))
		st.Observations = append(st.Observations, obs)
		st.Results = append(st.Results, r)
		e.deps.Publisher.Publish(st.RunID, streaming.Event{
			Type:     streaming.EventObservation,
			AgentID:  r.AgentID,
			StreamID: r.StreamID,
			Message:  obs,
			Data: map[string]interface{}{
				"confidence": r.Confidence,
				"degraded":   r.Degraded,
				"sources":    len(r.Sources),
			},
		})
	}
	e.logger.Info("Parallel research merged",
		zap.String("run_id", st.RunID),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("total_tokens", res.TotalTokens),
	)
	return router.AfterParallelResearch(), nil
}

func (e *Engine) executeStep(ctx context.Context, st *State) (router.Decision, error) {
	sp, ok := st.Plan.Sequential()
	if !ok {
		return router.Decision{}, fmt.Errorf("%w: step stage without a sequential plan", ErrIllegalTransition)
	}
	out, err := e.executor.ExecuteStep(ctx, sp, st.StepIndex, st.Locale)
	if err != nil {
		return router.Decision{}, err
	}
	st.Observations = append(st.Observations, out.Observation)
	e.deps.Publisher.Publish(st.RunID, streaming.Event{
		Type:     streaming.EventObservation,
		StreamID: fmt.Sprintf("step_%d", out.Index),
		Message:  out.Observation,
		Data: map[string]interface{}{
			"step":   out.Index,
			"role":   string(out.Role),
			"failed": out.Failed,
		},
	})
	return router.AfterStep(st.Stage), nil
}

func (e *Engine) report(ctx context.Context, st *State) {
	title, rationale, locale := st.researchTopic(), "", st.Locale
	if st.Plan != nil {
		title, rationale = st.Plan.Title, st.Plan.Rationale
		if st.Plan.Locale != "" {
			locale = st.Plan.Locale
		}
	}
	out, err := e.deps.Reporter.WriteReport(ctx, llm.ReportRequest{
		Title:        title,
		Rationale:    rationale,
		Locale:       locale,
		Observations: st.Observations,
	})
	if err != nil || strings.TrimSpace(out) == "" {
		e.logger.Warn("Reporter unavailable, assembling report from observations",
			zap.String("run_id", st.RunID),
			zap.Error(err),
		)
		out = fallbackReport(title, st.Observations)
	}
	st.Report = out
	e.deps.Publisher.Publish(st.RunID, streaming.Event{
		Type:    streaming.EventReport,
		Message: out,
	})
}
