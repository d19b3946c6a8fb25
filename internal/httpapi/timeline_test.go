package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/deepresearch/internal/db"
	"github.com/Kocoro-lab/deepresearch/internal/streaming"
)

type fakeCheckpoints map[string]db.Checkpoint

func (f fakeCheckpoints) Load(_ context.Context, runID string) (*db.Checkpoint, error) {
	cp, ok := f[runID]
	if !ok {
		return nil, db.ErrCheckpointNotFound
	}
	return &cp, nil
}

type timelineResponse struct {
	RunID      string                 `json:"run_id"`
	Events     []streaming.Event      `json:"events"`
	Stats      timelineStats          `json:"stats"`
	Checkpoint map[string]interface{} `json:"checkpoint"`
}

func getTimeline(t *testing.T, h *TimelineHandler, query string) (int, timelineResponse) {
	t.Helper()
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/timeline?"+query, nil))
	var resp timelineResponse
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec.Code, resp
}

func TestTimelineSummaryAndFull(t *testing.T) {
	mgr := streaming.NewManager(32, zaptest.NewLogger(t))
	publishRun(mgr, "run-1")
	mgr.Publish("run-1", streaming.Event{Type: streaming.EventRunCompleted})
	cps := fakeCheckpoints{"run-1": {RunID: "run-1", Stage: "end", Status: "completed", PlanIterations: 1, UpdatedAt: time.Now()}}
	h := NewTimelineHandler(mgr, nil, cps, zaptest.NewLogger(t))

	code, resp := getTimeline(t, h, "run_id=run-1")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "summary", resp.Stats.Mode)
	assert.Equal(t, 3, resp.Stats.Total)
	assert.Equal(t, 1, resp.Stats.ByType[streaming.EventObservation])
	assert.Equal(t, "completed", resp.Checkpoint["status"])
	for _, ev := range resp.Events {
		assert.NotEqual(t, streaming.EventObservation, ev.Type)
	}

	_, resp = getTimeline(t, h, "run_id=run-1&mode=full")
	assert.Equal(t, 4, resp.Stats.Total)
}

func TestTimelineUsesDurableEvents(t *testing.T) {
	durable := &fakeReplayer{events: []streaming.Event{
		{RunID: "old", Type: streaming.EventPlan, Seq: 1},
		{RunID: "old", Type: streaming.EventRunCompleted, Seq: 2},
	}}
	h := NewTimelineHandler(streaming.NewManager(4, nil), durable, fakeCheckpoints{}, nil)

	code, resp := getTimeline(t, h, "run_id=old")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, resp.Events, 2)
	assert.Nil(t, resp.Checkpoint)

	code, _ = getTimeline(t, NewTimelineHandler(streaming.NewManager(4, nil), nil, fakeCheckpoints{}, nil), "run_id=unknown")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = getTimeline(t, h, "")
	assert.Equal(t, http.StatusBadRequest, code)
}
