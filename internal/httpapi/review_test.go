package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/deepresearch/internal/plan"
	"github.com/Kocoro-lab/deepresearch/internal/review"
)

func reviewMux(t *testing.T, b *review.Broker) *http.ServeMux {
	mux := http.NewServeMux()
	NewReviewHandler(b, b, "secret", zaptest.NewLogger(t)).RegisterRoutes(mux)
	return mux
}

func postDecision(mux http.Handler, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/review/decision", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestReviewDecisionDeliversAnswer(t *testing.T) {
	b := review.NewBroker(5 * time.Second)
	mux := reviewMux(t, b)
	p := plan.NewSequential("en", "Quantum crypto", "", plan.SequentialPlan{
		Steps: []plan.Step{{Title: "gather", Description: "find sources", NeedSearch: true, Type: plan.StepResearch}},
	})

	answer := make(chan string, 1)
	go func() {
		a, err := b.Review(context.Background(), "run-1", p)
		if err == nil {
			answer <- a
		}
	}()
	require.Eventually(t, func() bool {
		_, ok, _ := b.Pending(context.Background(), "run-1")
		return ok
	}, time.Second, 5*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/review/pending?run_id=run-1", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var pending map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	assert.Contains(t, string(pending["plan"]), "Quantum crypto")

	rec = postDecision(mux, `{"run_id":"run-1","accepted":true,"comment":"looks good"}`, "secret")
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case a := <-answer:
		assert.Equal(t, "[ACCEPTED] looks good", a)
	case <-time.After(time.Second):
		t.Fatal("review did not receive the decision")
	}
}

func TestReviewDecisionValidation(t *testing.T) {
	mux := reviewMux(t, review.NewBroker(time.Second))

	assert.Equal(t, http.StatusUnauthorized, postDecision(mux, `{"run_id":"r","feedback":"[ACCEPTED]"}`, "").Code)
	assert.Equal(t, http.StatusUnauthorized, postDecision(mux, `{"run_id":"r","feedback":"[ACCEPTED]"}`, "wrong").Code)
	assert.Equal(t, http.StatusBadRequest, postDecision(mux, `{"run_id":"r"}`, "secret").Code)
	assert.Equal(t, http.StatusBadRequest, postDecision(mux, `{"run_id":"r","approved":true}`, "secret").Code)
	assert.Equal(t, http.StatusConflict, postDecision(mux, `{"run_id":"nobody","feedback":"[ACCEPTED]"}`, "secret").Code)

	req := httptest.NewRequest(http.MethodGet, "/review/pending?run_id=nobody", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDecisionAnswer(t *testing.T) {
	yes, no := true, false
	tests := []struct {
		req  reviewDecisionRequest
		want string
	}{
		{reviewDecisionRequest{Feedback: "[EDIT_PLAN] add costs"}, "[EDIT_PLAN] add costs"},
		{reviewDecisionRequest{Accepted: &yes}, "[ACCEPTED]"},
		{reviewDecisionRequest{Accepted: &no, Comment: "split step 2"}, "[EDIT_PLAN] split step 2"},
		{reviewDecisionRequest{}, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.req.answer())
	}
}
