// Package complexity scores how broad a research goal is.
package complexity

import "strings"

const (
	baseScore = 2
	maxScore  = 5
	// Goals longer than this many words earn a point.
	longGoalWords = 10
)

// Lexicons are matched as lowercase substrings. English and Russian terms.
var (
	complexityTerms = []string{
		"analyze", "compare", "comprehensive", "detailed", "market", "industry",
		"анализ", "сравни", "всесторонний", "детальный", "рынок", "отрасль",
		"research", "investigate", "study", "evaluation", "assessment",
		"исследование", "изучение", "оценка", "влияние", "тенденции",
	}
	breadthTerms = []string{
		"impact", "trends", "future", "current state", "stakeholders",
		"влияние", "тенденции", "будущее", "текущее состояние", "участники",
		"ecosystem", "landscape", "overview", "multiple", "various",
		"экосистема", "ландшафт", "обзор", "множественный", "различные",
	}
	technicalTerms = []string{
		"technical", "architecture", "implementation", "code", "system",
		"технический", "архитектура", "реализация", "код", "система",
	}
	// parallelHints are the terms that on their own suggest a parallel plan.
	parallelHints = []string{
		"analyze", "compare", "comprehensive", "detailed", "market", "industry",
		"анализ", "сравни", "всесторонний", "детальный", "рынок", "отрасль",
	}
)

// Assess returns a score in [2, 5]. Each category adds at most one point.
func Assess(goal string) int {
	q := strings.ToLower(goal)
	score := baseScore
	if containsAny(q, complexityTerms) {
		score++
	}
	if containsAny(q, breadthTerms) {
		score++
	}
	if containsAny(q, technicalTerms) {
		score++
	}
	if len(strings.Fields(q)) > longGoalWords {
		score++
	}
	if score > maxScore {
		score = maxScore
	}
	return score
}

// SubagentCount maps the score to a worker count, bounded by maxSubagents.
func SubagentCount(goal string, maxSubagents int) int {
	n := Assess(goal)
	if n < 2 {
		n = 2
	}
	if maxSubagents > 0 && n > maxSubagents {
		n = maxSubagents
	}
	return n
}

// PreferParallel is the planner hint: multi-angle goals suit a parallel plan.
func PreferParallel(goal string) bool {
	return containsAny(strings.ToLower(goal), parallelHints) || Assess(goal) >= 4
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}
