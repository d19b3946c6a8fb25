package plan

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// wirePlan is the JSON shape produced by the planner model and stored in checkpoints.
type wirePlan struct {
	Locale            string       `json:"locale"`
	PlanningMode      Mode         `json:"planning_mode"`
	Thought           string       `json:"thought"`
	Title             string       `json:"title"`
	SubagentStreams   []wireStream `json:"subagent_streams,omitempty"`
	SynthesisStrategy string       `json:"synthesis_strategy,omitempty"`
	ConfidenceTarget  float64      `json:"confidence_target,omitempty"`
	HasEnoughContext  bool         `json:"has_enough_context"`
	Steps             []wireStep   `json:"steps,omitempty"`
}

type wireStream struct {
	StreamID         string       `json:"stream_id"`
	ResearchFocus    string       `json:"research_focus"`
	Description      string       `json:"description"`
	SuccessCriteria  []string     `json:"success_criteria,omitempty"`
	ToolRequirements []string     `json:"tool_requirements,omitempty"`
	EstimatedCalls   int          `json:"estimated_calls,omitempty"`
	ContextLimit     int          `json:"context_limit,omitempty"`
	Status           StreamStatus `json:"status,omitempty"`
	Findings         *string      `json:"findings,omitempty"`
	ConfidenceScore  *float64     `json:"confidence_score,omitempty"`
}

type wireStep struct {
	NeedSearch   bool     `json:"need_search"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	StepType     StepType `json:"step_type"`
	ExecutionRes *string  `json:"execution_res,omitempty"`
}

var (
	fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
)

// Parse extracts a plan from raw model output. It accepts fenced or bare
// JSON, repairs common syntax damage, and validates the result. Failures
// wrap ErrMalformedPlan.
func Parse(raw string) (*Plan, error) {
	body := extractJSON(raw)
	if body == "" {
		return nil, fmt.Errorf("%w: no JSON object found", ErrMalformedPlan)
	}

	var w wirePlan
	if err := json.Unmarshal([]byte(body), &w); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(body)
		if rerr != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPlan, err)
		}
		w = wirePlan{}
		if err := json.Unmarshal([]byte(repaired), &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPlan, err)
		}
	}

	p, err := w.toPlan()
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if m := fencedJSON.FindStringSubmatch(raw); len(m) == 2 {
		raw = strings.TrimSpace(m[1])
	}
	start := strings.Index(raw, "{")
	if start < 0 {
		return ""
	}
	end := strings.LastIndex(raw, "}")
	if end < start {
		// Truncated output; let the repair pass close it.
		return raw[start:]
	}
	return raw[start : end+1]
}

func (w wirePlan) toPlan() (*Plan, error) {
	switch w.PlanningMode {
	case ModeParallel:
		streams := make([]Stream, 0, len(w.SubagentStreams))
		for _, s := range w.SubagentStreams {
			streams = append(streams, Stream{
				ID:                s.StreamID,
				ResearchFocus:     s.ResearchFocus,
				Description:       s.Description,
				SuccessCriteria:   s.SuccessCriteria,
				RequiredTools:     s.ToolRequirements,
				EstimatedCalls:    s.EstimatedCalls,
				ContextTokenLimit: s.ContextLimit,
				Status:            s.Status,
				Findings:          s.Findings,
				Confidence:        s.ConfidenceScore,
			})
		}
		return NewParallel(w.Locale, w.Title, w.Thought, ParallelPlan{
			HasEnoughContext:  w.HasEnoughContext,
			Streams:           streams,
			SynthesisStrategy: w.SynthesisStrategy,
			ConfidenceTarget:  w.ConfidenceTarget,
		}), nil
	case ModeSequential:
		steps := make([]Step, 0, len(w.Steps))
		for _, s := range w.Steps {
			steps = append(steps, Step{
				NeedSearch:   s.NeedSearch,
				Title:        s.Title,
				Description:  s.Description,
				Type:         StepType(strings.ToLower(string(s.StepType))),
				ExecutionRes: s.ExecutionRes,
			})
		}
		return NewSequential(w.Locale, w.Title, w.Thought, SequentialPlan{
			HasEnoughContext: w.HasEnoughContext,
			Steps:            steps,
		}), nil
	case "":
		return nil, fmt.Errorf("%w: missing planning_mode", ErrMalformedPlan)
	default:
		return nil, fmt.Errorf("%w: unknown planning_mode %q", ErrMalformedPlan, w.PlanningMode)
	}
}

// MarshalJSON encodes the plan in the planner wire format.
func (p *Plan) MarshalJSON() ([]byte, error) {
	w := wirePlan{
		Locale:       p.Locale,
		PlanningMode: p.mode,
		Thought:      p.Rationale,
		Title:        p.Title,
	}
	switch p.mode {
	case ModeParallel:
		w.HasEnoughContext = p.parallel.HasEnoughContext
		w.SynthesisStrategy = p.parallel.SynthesisStrategy
		w.ConfidenceTarget = p.parallel.ConfidenceTarget
		for _, s := range p.parallel.Streams {
			w.SubagentStreams = append(w.SubagentStreams, wireStream{
				StreamID:         s.ID,
				ResearchFocus:    s.ResearchFocus,
				Description:      s.Description,
				SuccessCriteria:  s.SuccessCriteria,
				ToolRequirements: s.RequiredTools,
				EstimatedCalls:   s.EstimatedCalls,
				ContextLimit:     s.ContextTokenLimit,
				Status:           s.Status,
				Findings:         s.Findings,
				ConfidenceScore:  s.Confidence,
			})
		}
	case ModeSequential:
		w.HasEnoughContext = p.sequential.HasEnoughContext
		for _, s := range p.sequential.Steps {
			w.Steps = append(w.Steps, wireStep{
				NeedSearch:   s.NeedSearch,
				Title:        s.Title,
				Description:  s.Description,
				StepType:     s.Type,
				ExecutionRes: s.ExecutionRes,
			})
		}
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrMalformedPlan, p.mode)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire format written by MarshalJSON.
func (p *Plan) UnmarshalJSON(data []byte) error {
	var w wirePlan
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	decoded, err := w.toPlan()
	if err != nil {
		return err
	}
	*p = *decoded
	return nil
}
