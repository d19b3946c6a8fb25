package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/deepresearch/internal/streaming"
)

type fakeReplayer struct {
	events []streaming.Event
	calls  int
}

func (f *fakeReplayer) Replay(_ context.Context, _ string, since uint64) ([]streaming.Event, error) {
	f.calls++
	var out []streaming.Event
	for _, ev := range f.events {
		if ev.Seq > since {
			out = append(out, ev)
		}
	}
	return out, nil
}

func publishRun(mgr *streaming.Manager, runID string) {
	mgr.Publish(runID, streaming.Event{Type: streaming.EventStageTransition, Message: "coordinator -> planner"})
	mgr.Publish(runID, streaming.Event{Type: streaming.EventPlan, Message: "plan ready"})
	mgr.Publish(runID, streaming.Event{Type: streaming.EventObservation, StreamID: "technical_analysis"})
}

// serveSSE runs the handler with an already-cancelled context, so it writes
// the preamble and backlog and then returns.
func serveSSE(t *testing.T, h *StreamingHandler, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, target, nil).WithContext(ctx)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.handleSSE(rec, req)
	return rec
}

func TestSSEReplaysSinceLastEventID(t *testing.T) {
	mgr := streaming.NewManager(16, zaptest.NewLogger(t))
	publishRun(mgr, "run-1")
	h := NewStreamingHandler(mgr, zaptest.NewLogger(t))

	rec := serveSSE(t, h, "/stream/sse?run_id=run-1", http.Header{"Last-Event-Id": {"1"}})
	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, body, ": connected to run run-1")
	assert.NotContains(t, body, "id: 1\n")
	assert.Contains(t, body, "id: 2\nevent: plan\n")
	assert.Contains(t, body, "id: 3\nevent: observation\n")
}

func TestSSETypeFilterAndQueryCursor(t *testing.T) {
	mgr := streaming.NewManager(16, zaptest.NewLogger(t))
	publishRun(mgr, "run-1")
	h := NewStreamingHandler(mgr, zaptest.NewLogger(t))

	body := serveSSE(t, h, "/stream/sse?run_id=run-1&last_event_id=0&types=plan", nil).Body.String()
	assert.NotContains(t, body, "event: plan", "cursor 0 means no replay")

	mgr.Publish("run-2", streaming.Event{Type: streaming.EventPlan})
	mgr.Publish("run-2", streaming.Event{Type: streaming.EventReport})
	mgr.Publish("run-2", streaming.Event{Type: streaming.EventPlan})
	body = serveSSE(t, h, "/stream/sse?run_id=run-2&last_event_id=1&types=plan,%20report", nil).Body.String()
	assert.Contains(t, body, "event: report")
	assert.Contains(t, body, "id: 3\nevent: plan")
	assert.Equal(t, 2, strings.Count(body, "data: "))
}

func TestSSEFallsBackToDurableReplay(t *testing.T) {
	mgr := streaming.NewManager(16, zaptest.NewLogger(t))
	durable := &fakeReplayer{events: []streaming.Event{
		{RunID: "old", Type: streaming.EventPlan, Seq: 1},
		{RunID: "old", Type: streaming.EventReport, Seq: 2},
	}}
	h := NewStreamingHandler(mgr, zaptest.NewLogger(t)).WithReplayer(durable)

	body := serveSSE(t, h, "/stream/sse?run_id=old", http.Header{"Last-Event-Id": {"1"}}).Body.String()
	assert.Equal(t, 1, durable.calls)
	assert.Contains(t, body, "id: 2\nevent: report")
}

func TestSSERequiresRunID(t *testing.T) {
	h := NewStreamingHandler(streaming.NewManager(4, nil), nil)
	rec := httptest.NewRecorder()
	h.handleSSE(rec, httptest.NewRequest(http.MethodGet, "/stream/sse", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebSocketReplaysBacklog(t *testing.T) {
	mgr := streaming.NewManager(16, zaptest.NewLogger(t))
	publishRun(mgr, "run-ws")
	mux := http.NewServeMux()
	NewStreamingHandler(mgr, zaptest.NewLogger(t)).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream/ws?run_id=run-ws&last_event_id=1&types=observation"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var ev streaming.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, streaming.EventObservation, ev.Type)
	assert.Equal(t, uint64(3), ev.Seq)
	assert.Equal(t, "technical_analysis", ev.StreamID)
}
