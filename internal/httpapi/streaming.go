package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/deepresearch/internal/streaming"
)

// Replayer reads back events that fell out of the in-memory ring.
type Replayer interface {
	Replay(ctx context.Context, runID string, since uint64) ([]streaming.Event, error)
}

// StreamingHandler serves SSE and WebSocket endpoints for run events.
type StreamingHandler struct {
	mgr       *streaming.Manager
	durable   Replayer
	heartbeat time.Duration
	logger    *zap.Logger
}

func NewStreamingHandler(mgr *streaming.Manager, logger *zap.Logger) *StreamingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamingHandler{mgr: mgr, heartbeat: 15 * time.Second, logger: logger}
}

// WithReplayer sets a durable source used when the ring has nothing newer
// than the client's last event.
func (h *StreamingHandler) WithReplayer(r Replayer) *StreamingHandler {
	h.durable = r
	return h
}

// RegisterRoutes registers SSE routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/stream/sse", h.handleSSE)
	h.RegisterWebSocket(mux)
}

// handleSSE streams events for a run via Server-Sent Events.
// GET /stream/sse?run_id=<id>&types=a,b&last_event_id=<seq>
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		http.Error(w, `{"error":"run_id required"}`, http.StatusBadRequest)
		return
	}
	filter := parseTypes(r.URL.Query().Get("types"))
	lastID := parseSeq(r.Header.Get("Last-Event-ID"))
	if lastID == 0 {
		lastID = parseSeq(r.URL.Query().Get("last_event_id"))
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch := h.mgr.Subscribe(runID, 256)
	defer h.mgr.Unsubscribe(runID, ch)

	fmt.Fprintf(w, ": connected to run %s\n\n", runID)
	flusher.Flush()

	if lastID > 0 {
		for _, ev := range h.backlog(r.Context(), runID, lastID) {
			if filter.allows(ev.Type) {
				writeSSE(w, ev)
			}
		}
		flusher.Flush()
	}

	hb := time.NewTicker(h.heartbeat)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("SSE client disconnected", zap.String("run_id", runID))
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if !filter.allows(evt.Type) {
				continue
			}
			writeSSE(w, evt)
			flusher.Flush()
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// backlog returns events after lastID, preferring the in-memory ring.
func (h *StreamingHandler) backlog(ctx context.Context, runID string, lastID uint64) []streaming.Event {
	events := h.mgr.ReplaySince(runID, lastID)
	if len(events) > 0 || h.durable == nil {
		return events
	}
	events, err := h.durable.Replay(ctx, runID, lastID)
	if err != nil {
		h.logger.Warn("Durable replay failed", zap.String("run_id", runID), zap.Error(err))
		return nil
	}
	return events
}

func writeSSE(w http.ResponseWriter, ev streaming.Event) {
	if ev.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	if ev.Type != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", string(ev.Marshal()))
}

type typeFilter map[string]struct{}

func parseTypes(s string) typeFilter {
	f := typeFilter{}
	for _, t := range strings.Split(s, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			f[t] = struct{}{}
		}
	}
	return f
}

func (f typeFilter) allows(t string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[t]
	return ok
}

func parseSeq(s string) uint64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
