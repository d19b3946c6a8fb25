package workflows

import (
	"fmt"
	"strings"
)

// fallbackReport renders the observations as-is when the reporter model
// is unavailable.
func fallbackReport(title string, observations []string) string {
	var b strings.Builder
	if title == "" {
		title = "Research Report"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	if len(observations) == 0 {
		b.WriteString("No research findings were gathered.\n")
		return b.String()
	}
	b.WriteString("## Key Findings\n\n")
	for i, obs := range observations {
		if i > 0 {
			b.WriteString("\n---\n\n")
		}
		b.WriteString(strings.TrimSpace(obs))
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\n_Report assembled from %d observations without synthesis._\n", len(observations))
	return b.String()
}
