package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"github.com/Kocoro-lab/deepresearch/internal/plan"
	"github.com/Kocoro-lab/deepresearch/internal/streaming"
)

// markdownRenderer renders reports and plans for the terminal.
type markdownRenderer struct {
	renderer *glamour.TermRenderer
}

// newMarkdownRenderer picks a word wrap from the terminal width. plain
// selects the colorless style for pipes and dumb terminals.
func newMarkdownRenderer(plain bool) (*markdownRenderer, error) {
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w - 4
		if width > 120 {
			width = 120
		}
	}

	style := glamour.WithStandardStyle("dark")
	if plain {
		style = glamour.WithStandardStyle("notty")
	}
	r, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(width))
	if err != nil {
		return nil, fmt.Errorf("failed to create markdown renderer: %w", err)
	}
	return &markdownRenderer{renderer: r}, nil
}

// Render falls back to the raw text when glamour cannot parse it.
func (m *markdownRenderer) Render(content string) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}
	out, err := m.renderer.Render(content)
	if err != nil {
		return content
	}
	return out
}

// planMarkdown formats a plan for review.
func planMarkdown(p *plan.Plan) string {
	if p == nil {
		return ""
	}
	var b strings.Builder
	title := p.Title
	if title == "" {
		title = "Research plan"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	if p.Rationale != "" {
		fmt.Fprintf(&b, "%s\n\n", p.Rationale)
	}
	if par, ok := p.Parallel(); ok {
		fmt.Fprintf(&b, "**Parallel research**, %d streams\n\n", len(par.Streams))
		for i, s := range par.Streams {
			fmt.Fprintf(&b, "%d. **%s**", i+1, s.ResearchFocus)
			if s.Description != "" {
				fmt.Fprintf(&b, ": %s", s.Description)
			}
			b.WriteString("\n")
			for _, c := range s.SuccessCriteria {
				fmt.Fprintf(&b, "   - %s\n", c)
			}
		}
		if par.SynthesisStrategy != "" {
			fmt.Fprintf(&b, "\nSynthesis: %s\n", par.SynthesisStrategy)
		}
	}
	if seq, ok := p.Sequential(); ok {
		fmt.Fprintf(&b, "**Sequential research**, %d steps\n\n", len(seq.Steps))
		for i, s := range seq.Steps {
			fmt.Fprintf(&b, "%d. **%s** (%s)", i+1, s.Title, s.Type)
			if s.Description != "" {
				fmt.Fprintf(&b, ": %s", s.Description)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// progressLine turns a run event into one terminal line. Events that
// carry nothing worth showing return "".
func progressLine(ev streaming.Event) string {
	switch ev.Type {
	case streaming.EventStageTransition:
		to, _ := ev.Data["to"].(string)
		if to == "" {
			return ""
		}
		line := fmt.Sprintf("%s %s", blue("▶"), bold(to))
		if ev.Message != "" {
			line += " " + gray(ev.Message)
		}
		return line
	case streaming.EventPlan:
		return fmt.Sprintf("%s plan: %s", blue("●"), ev.Message)
	case streaming.EventAgentStarted:
		return fmt.Sprintf("  %s %s %s", gray("→"), agentLabel(ev), ev.Message)
	case streaming.EventAgentCompleted:
		return fmt.Sprintf("  %s %s %s", green("✓"), agentLabel(ev), ev.Message)
	case streaming.EventAgentFailed:
		return fmt.Sprintf("  %s %s %s", red("✗"), agentLabel(ev), ev.Message)
	case streaming.EventRunCompleted:
		return fmt.Sprintf("%s run %s", green("■"), ev.Message)
	}
	return ""
}

func agentLabel(ev streaming.Event) string {
	id := ev.AgentID
	if id == "" {
		id = ev.StreamID
	}
	return yellow("[" + id + "]")
}
