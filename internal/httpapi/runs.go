package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/deepresearch/internal/temporal"
	"github.com/Kocoro-lab/deepresearch/internal/workflows"
)

// ErrRunExists is returned when a run ID is already in flight.
var ErrRunExists = errors.New("run already exists")

// RunRequest starts a research run.
type RunRequest struct {
	RunID                   string `json:"run_id,omitempty"`
	Goal                    string `json:"goal"`
	Locale                  string `json:"locale,omitempty"`
	MaxPlanIterations       int    `json:"max_plan_iterations,omitempty"`
	MaxSubagents            int    `json:"max_subagents,omitempty"`
	AutoAcceptPlan          *bool  `json:"auto_accept_plan,omitempty"`
	BackgroundInvestigation *bool  `json:"background_investigation,omitempty"`
}

// RunStatus is what GET /runs reports.
type RunStatus struct {
	RunID          string     `json:"run_id"`
	State          string     `json:"state"`
	Outcome        string     `json:"outcome,omitempty"`
	Report         string     `json:"report,omitempty"`
	Reply          string     `json:"reply,omitempty"`
	Error          string     `json:"error,omitempty"`
	PlanIterations int        `json:"plan_iterations,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Run states reported by LocalRuns.
const (
	RunStateRunning   = "running"
	RunStateCompleted = "completed"
	RunStateFailed    = "failed"
)

// Runs starts research runs and reports on them.
type Runs interface {
	Start(ctx context.Context, req RunRequest) (string, error)
	Status(ctx context.Context, runID string) (RunStatus, bool, error)
}

// Runner executes one research run to completion.
type Runner interface {
	Run(ctx context.Context, goal, locale string, opts workflows.RunOptions) (*workflows.Result, error)
}

// LocalRuns runs the engine in-process. Finished runs are kept in an
// expiring LRU so clients can collect results after the fact.
type LocalRuns struct {
	base   context.Context
	runner Runner
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]RunStatus
	done   *expirable.LRU[string, RunStatus]
	wg     sync.WaitGroup
}

// NewLocalRuns ties run lifetimes to base, which should be cancelled at shutdown.
func NewLocalRuns(base context.Context, runner Runner, retain int, ttl time.Duration, logger *zap.Logger) *LocalRuns {
	if retain <= 0 {
		retain = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalRuns{
		base:   base,
		runner: runner,
		logger: logger,
		active: make(map[string]RunStatus),
		done:   expirable.NewLRU[string, RunStatus](retain, nil, ttl),
	}
}

func (l *LocalRuns) Start(_ context.Context, req RunRequest) (string, error) {
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	l.mu.Lock()
	if _, ok := l.active[runID]; ok {
		l.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrRunExists, runID)
	}
	l.active[runID] = RunStatus{RunID: runID, State: RunStateRunning, StartedAt: time.Now().UTC()}
	l.mu.Unlock()

	opts := workflows.RunOptions{
		RunID:                   runID,
		Entry:                   "http",
		MaxPlanIterations:       req.MaxPlanIterations,
		MaxSubagents:            req.MaxSubagents,
		AutoAcceptPlan:          req.AutoAcceptPlan,
		BackgroundInvestigation: req.BackgroundInvestigation,
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		res, err := l.runner.Run(l.base, req.Goal, req.Locale, opts)
		l.finish(runID, res, err)
	}()
	return runID, nil
}

func (l *LocalRuns) finish(runID string, res *workflows.Result, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.active[runID]
	delete(l.active, runID)
	now := time.Now().UTC()
	st.FinishedAt = &now
	if err != nil {
		st.State = RunStateFailed
		st.Error = err.Error()
		l.logger.Warn("Research run failed", zap.String("run_id", runID), zap.Error(err))
	} else {
		st.State = RunStateCompleted
		st.Outcome = string(res.Outcome)
		st.Report = res.Report
		st.Reply = res.Reply
		st.PlanIterations = res.PlanIterations
	}
	l.done.Add(runID, st)
}

func (l *LocalRuns) Status(_ context.Context, runID string) (RunStatus, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.active[runID]; ok {
		return st, true, nil
	}
	st, ok := l.done.Get(runID)
	return st, ok, nil
}

// Wait blocks until every started run has returned.
func (l *LocalRuns) Wait() { l.wg.Wait() }

// TemporalRuns starts runs as ResearchWorkflow executions.
type TemporalRuns struct {
	client client.Client
	queue  string
}

func NewTemporalRuns(c client.Client, queue string) *TemporalRuns {
	if queue == "" {
		queue = temporal.DefaultTaskQueue
	}
	return &TemporalRuns{client: c, queue: queue}
}

func (t *TemporalRuns) Start(ctx context.Context, req RunRequest) (string, error) {
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	in := temporal.ResearchInput{
		RunID:                   runID,
		Goal:                    req.Goal,
		Locale:                  req.Locale,
		MaxPlanIterations:       req.MaxPlanIterations,
		MaxSubagents:            req.MaxSubagents,
		AutoAcceptPlan:          req.AutoAcceptPlan,
		BackgroundInvestigation: req.BackgroundInvestigation,
	}
	_, err := t.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        temporal.WorkflowID(runID),
		TaskQueue: t.queue,
	}, temporal.ResearchWorkflowName, in)
	if err != nil {
		return "", fmt.Errorf("start research workflow: %w", err)
	}
	return runID, nil
}

func (t *TemporalRuns) Status(ctx context.Context, runID string) (RunStatus, bool, error) {
	desc, err := t.client.DescribeWorkflowExecution(ctx, temporal.WorkflowID(runID), "")
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return RunStatus{}, false, nil
		}
		return RunStatus{}, false, fmt.Errorf("describe research workflow: %w", err)
	}
	info := desc.GetWorkflowExecutionInfo()
	st := RunStatus{RunID: runID, State: info.GetStatus().String(), StartedAt: info.GetStartTime().AsTime()}
	if ct := info.GetCloseTime(); ct != nil {
		closed := ct.AsTime()
		st.FinishedAt = &closed
	}
	return st, true, nil
}

// RunsHandler exposes run start and status over HTTP.
type RunsHandler struct {
	runs      Runs
	authToken string
	logger    *zap.Logger
}

func NewRunsHandler(runs Runs, authToken string, logger *zap.Logger) *RunsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunsHandler{runs: runs, authToken: authToken, logger: logger}
}

func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/runs", h.handleRuns)
}

// handleRuns: POST /runs starts a run; GET /runs?run_id=<id> reports it.
func (h *RunsHandler) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleStart(w, r)
	case http.MethodGet:
		h.handleStatus(w, r)
	default:
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
	}
}

func (h *RunsHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	if h.authToken != "" && r.Header.Get("Authorization") != "Bearer "+h.authToken {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req RunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Goal == "" {
		http.Error(w, `{"error":"goal required"}`, http.StatusBadRequest)
		return
	}
	runID, err := h.runs.Start(r.Context(), req)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, ErrRunExists) {
			status = http.StatusConflict
		}
		h.logger.Warn("failed to start run", zap.Error(err))
		writeJSON(w, status, map[string]interface{}{"error": sanitizeErr(err.Error())})
		return
	}
	h.logger.Info("Research run started", zap.String("run_id", runID))
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"run_id": runID,
		"stream": "/stream/sse?run_id=" + runID,
	})
}

func (h *RunsHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		http.Error(w, `{"error":"run_id required"}`, http.StatusBadRequest)
		return
	}
	st, ok, err := h.runs.Status(r.Context(), runID)
	if err != nil {
		http.Error(w, `{"error":"failed to load run"}`, http.StatusBadGateway)
		return
	}
	if !ok {
		http.Error(w, `{"error":"run not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
