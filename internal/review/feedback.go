// Package review collects a human verdict on a proposed plan.
package review

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Kocoro-lab/deepresearch/internal/workflows/router"
)

// Feedback tokens. Matching is a case-insensitive prefix match.
const (
	TokenEditPlan = "[EDIT_PLAN]"
	TokenAccepted = "[ACCEPTED]"
)

var (
	// ErrProtocolViolation means the reviewer answered with something that
	// is neither an edit request nor an acceptance. It is fatal to the run.
	ErrProtocolViolation = errors.New("review protocol violation")
	ErrReviewTimeout     = errors.New("timed out waiting for plan review")
)

// Feedback is a parsed review answer.
type Feedback struct {
	Kind router.FeedbackKind
	// Comment is the free text following the token.
	Comment string
}

// ParseFeedback classifies a raw review answer.
func ParseFeedback(raw string) (Feedback, error) {
	s := strings.TrimSpace(raw)
	if rest, ok := cutTokenFold(s, TokenEditPlan); ok {
		return Feedback{Kind: router.FeedbackEdit, Comment: rest}, nil
	}
	if rest, ok := cutTokenFold(s, TokenAccepted); ok {
		return Feedback{Kind: router.FeedbackAccept, Comment: rest}, nil
	}
	return Feedback{}, fmt.Errorf("%w: unexpected feedback %q", ErrProtocolViolation, truncate(s, 80))
}

// cutTokenFold strips an ASCII token from the front of s ignoring case.
func cutTokenFold(s, token string) (string, bool) {
	if len(s) < len(token) || !strings.EqualFold(s[:len(token)], token) {
		return "", false
	}
	return strings.TrimSpace(s[len(token):]), true
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
