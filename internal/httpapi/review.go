package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/deepresearch/internal/plan"
	"github.com/Kocoro-lab/deepresearch/internal/review"
)

// PendingSource reports the plan a run is waiting on.
type PendingSource interface {
	Pending(ctx context.Context, runID string) (*plan.Plan, bool, error)
}

// ReviewHandler accepts plan review decisions over HTTP and hands them to
// the run waiting in the human feedback stage.
type ReviewHandler struct {
	submitter review.Submitter
	pending   PendingSource
	authToken string
	logger    *zap.Logger
}

func NewReviewHandler(s review.Submitter, pending PendingSource, authToken string, logger *zap.Logger) *ReviewHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReviewHandler{submitter: s, pending: pending, authToken: authToken, logger: logger}
}

// RegisterRoutes registers review routes on the provided mux.
func (h *ReviewHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/review/decision", h.handleDecision)
	mux.HandleFunc("/review/pending", h.handlePending)
}

// reviewDecisionRequest carries either a raw feedback string or a structured
// verdict that is turned into one.
type reviewDecisionRequest struct {
	RunID    string `json:"run_id"`
	Feedback string `json:"feedback,omitempty"`
	Accepted *bool  `json:"accepted,omitempty"`
	Comment  string `json:"comment,omitempty"`
}

func (req reviewDecisionRequest) answer() string {
	if req.Feedback != "" {
		return req.Feedback
	}
	if req.Accepted == nil {
		return ""
	}
	token := review.TokenEditPlan
	if *req.Accepted {
		token = review.TokenAccepted
	}
	return strings.TrimSpace(token + " " + req.Comment)
}

func (h *ReviewHandler) handleDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req reviewDecisionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.logger.Warn("review decode error", zap.Error(err))
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	answer := req.answer()
	if req.RunID == "" || answer == "" {
		http.Error(w, `{"error":"run_id and a decision are required"}`, http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := h.submitter.Submit(ctx, req.RunID, answer); err != nil {
		h.logger.Warn("failed to submit review", zap.String("run_id", req.RunID), zap.Error(err))
		writeJSON(w, http.StatusConflict, map[string]interface{}{"error": sanitizeErr(err.Error())})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "sent",
		"run_id": req.RunID,
	})
}

// handlePending: GET /review/pending?run_id=<id>
func (h *ReviewHandler) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" || h.pending == nil {
		http.Error(w, `{"error":"run_id required"}`, http.StatusBadRequest)
		return
	}
	p, ok, err := h.pending.Pending(r.Context(), runID)
	if err != nil {
		h.logger.Error("failed to load pending review", zap.String("run_id", runID), zap.Error(err))
		http.Error(w, `{"error":"failed to load review state"}`, http.StatusBadGateway)
		return
	}
	if !ok {
		http.Error(w, `{"error":"no plan awaiting review"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"run_id": runID, "plan": p})
}

func (h *ReviewHandler) authorized(r *http.Request) bool {
	if h.authToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == h.authToken
}

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sanitizeErr trims error messages for client output (UTF-8 safe).
func sanitizeErr(s string) string {
	runes := []rune(s)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return s
}
