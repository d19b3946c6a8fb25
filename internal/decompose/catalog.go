// Package decompose splits a research goal into independent aspect tasks.
package decompose

import (
	"fmt"

	"github.com/Kocoro-lab/deepresearch/internal/tools"
	"github.com/Kocoro-lab/deepresearch/internal/workflows/patterns/execution"
)

// Aspect types, in catalog order.
const (
	CurrentState        = "current_state"
	HistoricalContext   = "historical_context"
	StakeholderAnalysis = "stakeholder_analysis"
	TechnicalSpecs      = "technical_specs"
	DataAnalysis        = "data_analysis"
	FutureTrends        = "future_trends"
)

// Aspect is one research angle on a goal.
type Aspect struct {
	Type        string `json:"type"`
	Focus       string `json:"focus"`
	Description string `json:"description"`
}

type catalogEntry struct {
	aspect   string
	focus    string
	template string
}

var catalog = []catalogEntry{
	{CurrentState, "Current State Analysis", "Research the current state, recent developments and latest information about: %s"},
	{HistoricalContext, "Historical Context", "Investigate the historical background, evolution and timeline related to: %s"},
	{StakeholderAnalysis, "Stakeholder Analysis", "Analyze key players, stakeholders, companies and organizations involved in: %s"},
	{TechnicalSpecs, "Technical Specifications & Architectures", "Dive deep into technical specifications, architectures or underlying technologies related to: %s"},
	{DataAnalysis, "Quantitative & Data Analysis", "Perform quantitative analysis, statistics and data-driven insights for: %s"},
	{FutureTrends, "Future Trends & Implications", "Research future outlook, trends, predictions and implications for: %s"},
}

// CatalogSize is the number of predefined aspects.
var CatalogSize = len(catalog)

var (
	coderAspects = map[string]bool{FutureTrends: true, DataAnalysis: true, TechnicalSpecs: true}
	replAspects  = map[string]bool{CurrentState: true, FutureTrends: true, DataAnalysis: true, TechnicalSpecs: true}
)

// CatalogAspects returns the catalog entries chosen for n workers.
// n=2 and n=3 pick a spread that always ends with future trends;
// larger n takes the first n entries.
func CatalogAspects(goal string, n int) []Aspect {
	n = clampCount(n)
	var idx []int
	switch n {
	case 2:
		idx = []int{0, 5}
	case 3:
		idx = []int{0, 1, 5}
	default:
		for i := 0; i < n; i++ {
			idx = append(idx, i)
		}
	}
	out := make([]Aspect, 0, len(idx))
	for _, i := range idx {
		e := catalog[i]
		out = append(out, Aspect{Type: e.aspect, Focus: e.focus, Description: fmt.Sprintf(e.template, goal)})
	}
	return out
}

// RoleFor returns the worker role an aspect is assigned to.
func RoleFor(aspect string) execution.Role {
	if coderAspects[aspect] {
		return execution.RoleCoder
	}
	return execution.RoleResearcher
}

// ToolNamesFor returns the tool subset an aspect gets.
func ToolNamesFor(aspect string) []string {
	names := []string{tools.WebSearch, tools.Crawl}
	if replAspects[aspect] {
		names = append(names, tools.PythonREPL)
	}
	return names
}

// IsCatalogAspect reports whether aspect names a catalog entry.
func IsCatalogAspect(aspect string) bool {
	for _, e := range catalog {
		if e.aspect == aspect {
			return true
		}
	}
	return false
}

func clampCount(n int) int {
	if n < 2 {
		return 2
	}
	if n > len(catalog) {
		return len(catalog)
	}
	return n
}
