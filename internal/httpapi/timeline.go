package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/deepresearch/internal/db"
	"github.com/Kocoro-lab/deepresearch/internal/streaming"
)

// CheckpointLoader reads the last checkpoint of a run.
type CheckpointLoader interface {
	Load(ctx context.Context, runID string) (*db.Checkpoint, error)
}

// TimelineHandler builds a readable run timeline from replayed events and
// the run's last checkpoint.
type TimelineHandler struct {
	mgr         *streaming.Manager
	durable     Replayer
	checkpoints CheckpointLoader
	logger      *zap.Logger
}

func NewTimelineHandler(mgr *streaming.Manager, durable Replayer, checkpoints CheckpointLoader, logger *zap.Logger) *TimelineHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimelineHandler{mgr: mgr, durable: durable, checkpoints: checkpoints, logger: logger}
}

func (h *TimelineHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/timeline", h.handleBuildTimeline)
}

// summaryTypes are the events kept in summary mode.
var summaryTypes = map[string]bool{
	streaming.EventStageTransition: true,
	streaming.EventPlan:            true,
	streaming.EventAgentFailed:     true,
	streaming.EventReport:          true,
	streaming.EventRunCompleted:    true,
}

type timelineStats struct {
	Total    int            `json:"total"`
	Mode     string         `json:"mode"`
	ByType   map[string]int `json:"by_type"`
	First    *time.Time     `json:"first,omitempty"`
	Last     *time.Time     `json:"last,omitempty"`
	Duration string         `json:"duration,omitempty"`
}

// handleBuildTimeline: GET /timeline?run_id=&mode=summary|full
func (h *TimelineHandler) handleBuildTimeline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	runID := q.Get("run_id")
	if runID == "" {
		http.Error(w, `{"error":"run_id required"}`, http.StatusBadRequest)
		return
	}
	mode := q.Get("mode")
	if mode != "full" {
		mode = "summary"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	events := h.mgr.ReplaySince(runID, 0)
	if len(events) == 0 && h.durable != nil {
		var err error
		events, err = h.durable.Replay(ctx, runID, 0)
		if err != nil {
			h.logger.Error("build timeline failed", zap.String("run_id", runID), zap.Error(err))
			http.Error(w, `{"error":"failed to read run events"}`, http.StatusBadGateway)
			return
		}
	}
	events, stats := buildTimeline(events, mode)

	payload := map[string]interface{}{
		"run_id": runID,
		"events": events,
		"stats":  stats,
	}
	if h.checkpoints != nil {
		cp, err := h.checkpoints.Load(ctx, runID)
		switch {
		case errors.Is(err, db.ErrCheckpointNotFound):
		case err != nil:
			h.logger.Warn("checkpoint lookup failed", zap.String("run_id", runID), zap.Error(err))
		case cp != nil:
			payload["checkpoint"] = map[string]interface{}{
				"stage":           cp.Stage,
				"status":          cp.Status,
				"plan_iterations": cp.PlanIterations,
				"updated_at":      cp.UpdatedAt,
			}
		}
	}
	if len(events) == 0 && payload["checkpoint"] == nil {
		http.Error(w, `{"error":"run not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func buildTimeline(all []streaming.Event, mode string) ([]streaming.Event, timelineStats) {
	stats := timelineStats{Mode: mode, ByType: map[string]int{}}
	out := make([]streaming.Event, 0, len(all))
	for _, ev := range all {
		stats.ByType[ev.Type]++
		if mode == "summary" && !summaryTypes[ev.Type] {
			continue
		}
		out = append(out, ev)
	}
	stats.Total = len(out)
	if len(all) > 0 {
		first, last := all[0].Timestamp, all[len(all)-1].Timestamp
		stats.First, stats.Last = &first, &last
		stats.Duration = last.Sub(first).String()
	}
	return out, stats
}
