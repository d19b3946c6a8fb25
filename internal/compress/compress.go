// Package compress condenses raw worker output into short observations.
package compress

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const (
	// MaxKeyLines caps how many keyword lines are kept.
	MaxKeyLines = 5
	// MaxFallbackChars caps the fallback excerpt when no keyword line exists.
	MaxFallbackChars = 1000
	// EmptyMarker is the body used when the worker produced nothing.
	EmptyMarker = "No findings."
)

var (
	keyTerms = []string{"key", "important", "finding", "result", "conclusion"}
	urlRe    = regexp.MustCompile(`http[s]?://(?:[a-zA-Z]|[0-9]|[$-_@.&+]|[!*\(\),]|(?:%[0-9a-fA-F][0-9a-fA-F]))+`)
)

// Compress keeps up to MaxKeyLines lines that look like conclusions, or a
// truncated excerpt when none do, under a "**focus**:" label.
func Compress(raw, focus string) string {
	body := keyLines(raw)
	if body == "" {
		body = excerpt(raw)
	}
	if strings.TrimSpace(body) == "" {
		body = EmptyMarker
	}
	return fmt.Sprintf("**%s**:\n%s", focus, body)
}

func keyLines(raw string) string {
	var kept []string
	for _, line := range strings.Split(raw, "\n") {
		lower := strings.ToLower(line)
		for _, term := range keyTerms {
			if strings.Contains(lower, term) {
				kept = append(kept, line)
				break
			}
		}
		if len(kept) == MaxKeyLines {
			break
		}
	}
	return strings.Join(kept, "\n")
}

func excerpt(raw string) string {
	r := []rune(raw)
	if len(r) <= MaxFallbackChars {
		return raw
	}
	return string(r[:MaxFallbackChars]) + "..."
}

// ExtractSources returns the distinct URLs found in raw, sorted.
func ExtractSources(raw string) []string {
	matches := urlRe.FindAllString(raw, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		m = strings.TrimRight(m, ".,)")
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Observation renders a finished result the way the reporter consumes it.
func Observation(focus, findings string, confidence float64, sources int) string {
	return fmt.Sprintf("## %s\n\n%s\n\n**Confidence**: %.2f\n**Sources**: %d sources", focus, findings, confidence, sources)
}
