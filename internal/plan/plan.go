package plan

import (
	"errors"
	"fmt"
)

// Mode discriminates the two plan payloads. It is fixed when a Plan is created.
type Mode string

const (
	ModeParallel   Mode = "parallel_multi_agent"
	ModeSequential Mode = "sequential_steps"
)

// Valid reports whether m names a known plan mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeParallel, ModeSequential:
		return true
	}
	return false
}

// StreamStatus is the lifecycle of a parallel research stream.
type StreamStatus string

const (
	StreamPending   StreamStatus = "pending"
	StreamRunning   StreamStatus = "running"
	StreamCompleted StreamStatus = "completed"
	StreamFailed    StreamStatus = "failed"
)

// StepType selects which worker executes a sequential step.
type StepType string

const (
	StepResearch   StepType = "research"
	StepProcessing StepType = "processing"
)

const (
	DefaultEstimatedCalls    = 10
	DefaultContextTokenLimit = 50000
	DefaultConfidenceTarget  = 0.8
	// CallsPerStep is the call estimate used for sequential plans.
	CallsPerStep = 5
)

var (
	ErrMalformedPlan  = errors.New("malformed plan")
	ErrUnknownStream  = errors.New("unknown stream")
	ErrStepOutOfRange = errors.New("step index out of range")
)

// Stream is one independent research line of a parallel plan.
type Stream struct {
	ID                string
	ResearchFocus     string
	Description       string
	SuccessCriteria   []string
	RequiredTools     []string
	EstimatedCalls    int
	ContextTokenLimit int
	Status            StreamStatus
	Findings          *string
	Confidence        *float64
}

// Step is one entry of a sequential plan.
type Step struct {
	NeedSearch   bool
	Title        string
	Description  string
	Type         StepType
	ExecutionRes *string
}

// Done reports whether the step has a recorded result.
func (s Step) Done() bool { return s.ExecutionRes != nil }

// ParallelPlan is the payload of a plan in ModeParallel.
type ParallelPlan struct {
	HasEnoughContext  bool
	Streams           []Stream
	SynthesisStrategy string
	ConfidenceTarget  float64
}

// SequentialPlan is the payload of a plan in ModeSequential.
type SequentialPlan struct {
	HasEnoughContext bool
	Steps            []Step
}

// Plan is a tagged variant: exactly one of the payloads is populated and
// Mode says which. Payloads are only reachable through the accessors.
type Plan struct {
	Locale    string
	Title     string
	Rationale string

	mode       Mode
	parallel   *ParallelPlan
	sequential *SequentialPlan
}

// NewParallel builds a parallel plan. Stream defaults are filled in.
func NewParallel(locale, title, rationale string, p ParallelPlan) *Plan {
	if p.ConfidenceTarget == 0 {
		p.ConfidenceTarget = DefaultConfidenceTarget
	}
	streams := make([]Stream, len(p.Streams))
	for i, s := range p.Streams {
		if s.EstimatedCalls <= 0 {
			s.EstimatedCalls = DefaultEstimatedCalls
		}
		if s.ContextTokenLimit <= 0 {
			s.ContextTokenLimit = DefaultContextTokenLimit
		}
		if s.Status == "" {
			s.Status = StreamPending
		}
		streams[i] = s
	}
	p.Streams = streams
	return &Plan{Locale: locale, Title: title, Rationale: rationale, mode: ModeParallel, parallel: &p}
}

// NewSequential builds a sequential plan.
func NewSequential(locale, title, rationale string, s SequentialPlan) *Plan {
	steps := make([]Step, len(s.Steps))
	copy(steps, s.Steps)
	s.Steps = steps
	return &Plan{Locale: locale, Title: title, Rationale: rationale, mode: ModeSequential, sequential: &s}
}

func (p *Plan) Mode() Mode { return p.mode }

// Parallel returns the parallel payload when the plan is in ModeParallel.
func (p *Plan) Parallel() (*ParallelPlan, bool) {
	if p.mode != ModeParallel {
		return nil, false
	}
	return p.parallel, true
}

// Sequential returns the sequential payload when the plan is in ModeSequential.
func (p *Plan) Sequential() (*SequentialPlan, bool) {
	if p.mode != ModeSequential {
		return nil, false
	}
	return p.sequential, true
}

// HasEnoughContext reports whether the planner judged the gathered context
// sufficient to write the report without further research.
func (p *Plan) HasEnoughContext() bool {
	switch p.mode {
	case ModeSequential:
		return p.sequential.HasEnoughContext
	case ModeParallel:
		return p.parallel.HasEnoughContext
	}
	return false
}

// Validate checks the structural invariants of the plan.
func (p *Plan) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil plan", ErrMalformedPlan)
	}
	if p.Title == "" {
		return fmt.Errorf("%w: empty title", ErrMalformedPlan)
	}
	switch p.mode {
	case ModeParallel:
		if p.parallel == nil || p.sequential != nil {
			return fmt.Errorf("%w: parallel plan must carry only a parallel payload", ErrMalformedPlan)
		}
		seen := make(map[string]struct{}, len(p.parallel.Streams))
		for _, s := range p.parallel.Streams {
			if s.ID == "" {
				return fmt.Errorf("%w: stream without id", ErrMalformedPlan)
			}
			if _, dup := seen[s.ID]; dup {
				return fmt.Errorf("%w: duplicate stream id %q", ErrMalformedPlan, s.ID)
			}
			seen[s.ID] = struct{}{}
			if s.Confidence != nil && (*s.Confidence < 0 || *s.Confidence > 1) {
				return fmt.Errorf("%w: stream %q confidence out of range", ErrMalformedPlan, s.ID)
			}
		}
		if p.parallel.ConfidenceTarget < 0 || p.parallel.ConfidenceTarget > 1 {
			return fmt.Errorf("%w: confidence target out of range", ErrMalformedPlan)
		}
	case ModeSequential:
		if p.sequential == nil || p.parallel != nil {
			return fmt.Errorf("%w: sequential plan must carry only a sequential payload", ErrMalformedPlan)
		}
		for i, s := range p.sequential.Steps {
			if s.Type != StepResearch && s.Type != StepProcessing {
				return fmt.Errorf("%w: step %d has unknown type %q", ErrMalformedPlan, i, s.Type)
			}
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrMalformedPlan, p.mode)
	}
	return nil
}

// EstimatedTotalCalls sums stream budgets, or CallsPerStep per sequential step.
func (p *Plan) EstimatedTotalCalls() int {
	switch p.mode {
	case ModeParallel:
		total := 0
		for _, s := range p.parallel.Streams {
			total += s.EstimatedCalls
		}
		return total
	case ModeSequential:
		return len(p.sequential.Steps) * CallsPerStep
	}
	return 0
}

// ActiveStreams returns the streams still pending or running.
func (p *Plan) ActiveStreams() []Stream {
	pp, ok := p.Parallel()
	if !ok {
		return nil
	}
	var out []Stream
	for _, s := range pp.Streams {
		if s.Status == StreamPending || s.Status == StreamRunning {
			out = append(out, s)
		}
	}
	return out
}

// ResearchComplete reports whether every stream finished or every step has a result.
func (p *Plan) ResearchComplete() bool {
	switch p.mode {
	case ModeParallel:
		for _, s := range p.parallel.Streams {
			if s.Status != StreamCompleted && s.Status != StreamFailed {
				return false
			}
		}
		return true
	case ModeSequential:
		return p.sequential.StepComplete()
	}
	return false
}

// Clone returns a deep copy.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := &Plan{Locale: p.Locale, Title: p.Title, Rationale: p.Rationale, mode: p.mode}
	if p.parallel != nil {
		pp := *p.parallel
		pp.Streams = make([]Stream, len(p.parallel.Streams))
		for i, s := range p.parallel.Streams {
			s.SuccessCriteria = append([]string(nil), s.SuccessCriteria...)
			s.RequiredTools = append([]string(nil), s.RequiredTools...)
			if s.Findings != nil {
				f := *s.Findings
				s.Findings = &f
			}
			if s.Confidence != nil {
				c := *s.Confidence
				s.Confidence = &c
			}
			pp.Streams[i] = s
		}
		out.parallel = &pp
	}
	if p.sequential != nil {
		sp := *p.sequential
		sp.Steps = make([]Step, len(p.sequential.Steps))
		for i, s := range p.sequential.Steps {
			if s.ExecutionRes != nil {
				r := *s.ExecutionRes
				s.ExecutionRes = &r
			}
			sp.Steps[i] = s
		}
		out.sequential = &sp
	}
	return out
}

// Stream returns the stream with the given id.
func (pp *ParallelPlan) Stream(id string) (*Stream, bool) {
	for i := range pp.Streams {
		if pp.Streams[i].ID == id {
			return &pp.Streams[i], true
		}
	}
	return nil, false
}

// MarkRunning moves a pending stream to running.
func (pp *ParallelPlan) MarkRunning(id string) error {
	s, ok := pp.Stream(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, id)
	}
	s.Status = StreamRunning
	return nil
}

// CompleteStream records findings and confidence for a stream.
func (pp *ParallelPlan) CompleteStream(id, findings string, confidence float64) error {
	s, ok := pp.Stream(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, id)
	}
	confidence = clamp01(confidence)
	s.Status = StreamCompleted
	s.Findings = &findings
	s.Confidence = &confidence
	return nil
}

// FailStream marks a stream failed with zero confidence.
func (pp *ParallelPlan) FailStream(id, reason string) error {
	s, ok := pp.Stream(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, id)
	}
	zero := 0.0
	s.Status = StreamFailed
	s.Findings = &reason
	s.Confidence = &zero
	return nil
}

// NextIncomplete returns the first step without a result, in declared order.
func (sp *SequentialPlan) NextIncomplete() (int, bool) {
	for i, s := range sp.Steps {
		if !s.Done() {
			return i, true
		}
	}
	return -1, false
}

// StepComplete reports whether every step has a result.
func (sp *SequentialPlan) StepComplete() bool {
	_, pending := sp.NextIncomplete()
	return !pending
}

// RecordStepResult stores the execution result of step i.
func (sp *SequentialPlan) RecordStepResult(i int, result string) error {
	if i < 0 || i >= len(sp.Steps) {
		return fmt.Errorf("%w: %d", ErrStepOutOfRange, i)
	}
	sp.Steps[i].ExecutionRes = &result
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
