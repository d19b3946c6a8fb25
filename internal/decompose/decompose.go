package decompose

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/deepresearch/internal/plan"
	"github.com/Kocoro-lab/deepresearch/internal/tools"
	"github.com/Kocoro-lab/deepresearch/internal/workflows/patterns/execution"
)

// AspectIdentifier proposes goal-specific aspects, usually with a model.
type AspectIdentifier interface {
	IdentifyAspects(ctx context.Context, goal string, n int) ([]Aspect, error)
}

// ToolPolicy decides whether a role may use a tool.
type ToolPolicy interface {
	AllowTool(ctx context.Context, role, tool string) bool
}

// Config for the decomposer. Zero values fall back to the execution defaults.
type Config struct {
	ContextTokenLimit int
	MaxSteps          int
}

// Decomposer turns a goal or a list of planned streams into tasks.
type Decomposer struct {
	registry   *tools.Registry
	identifier AspectIdentifier
	policy     ToolPolicy
	config     Config
	logger     *zap.Logger
}

// Option customizes a Decomposer.
type Option func(*Decomposer)

func WithAspectIdentifier(id AspectIdentifier) Option {
	return func(d *Decomposer) { d.identifier = id }
}

func WithToolPolicy(p ToolPolicy) Option {
	return func(d *Decomposer) { d.policy = p }
}

func New(registry *tools.Registry, config Config, logger *zap.Logger, opts ...Option) *Decomposer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ContextTokenLimit <= 0 {
		config.ContextTokenLimit = execution.DefaultContextTokenLimit
	}
	if config.MaxSteps <= 0 {
		config.MaxSteps = execution.DefaultMaxSteps
	}
	d := &Decomposer{registry: registry, config: config, logger: logger}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Decompose returns n tasks for goal. The identifier is tried first; any
// error or a wrong-sized answer falls back to the catalog.
func (d *Decomposer) Decompose(ctx context.Context, goal string, n int) []execution.Task {
	n = clampCount(n)
	aspects, source := d.identify(ctx, goal, n)

	tasks := make([]execution.Task, 0, len(aspects))
	for i, a := range aspects {
		tasks = append(tasks, d.task(ctx, i, a.Type, a.Type, a.Focus, a.Description, nil, 0, 0))
	}
	d.logger.Info("Decomposed research goal",
		zap.Int("subagents", len(tasks)),
		zap.String("source", source),
	)
	return tasks
}

// FromStreams builds one task per planned stream, in plan order.
func (d *Decomposer) FromStreams(ctx context.Context, streams []plan.Stream) []execution.Task {
	tasks := make([]execution.Task, 0, len(streams))
	for i, s := range streams {
		aspect := s.ID
		tasks = append(tasks, d.task(ctx, i, aspect, s.ID, s.ResearchFocus, s.Description, s.RequiredTools, s.ContextTokenLimit, s.EstimatedCalls))
	}
	return tasks
}

func (d *Decomposer) identify(ctx context.Context, goal string, n int) ([]Aspect, string) {
	if d.identifier == nil {
		return CatalogAspects(goal, n), "catalog"
	}
	aspects, err := d.identifier.IdentifyAspects(ctx, goal, n)
	if err != nil {
		d.logger.Warn("Aspect identification failed, using catalog", zap.Error(err))
		return CatalogAspects(goal, n), "catalog"
	}
	if len(aspects) != n {
		d.logger.Warn("Aspect identification returned wrong count, using catalog",
			zap.Int("want", n), zap.Int("got", len(aspects)))
		return CatalogAspects(goal, n), "catalog"
	}
	seen := make(map[string]bool, n)
	for _, a := range aspects {
		if a.Type == "" || a.Focus == "" || seen[a.Type] {
			d.logger.Warn("Aspect identification returned unusable aspects, using catalog")
			return CatalogAspects(goal, n), "catalog"
		}
		seen[a.Type] = true
	}
	return aspects, "model"
}

func (d *Decomposer) task(ctx context.Context, i int, aspect, streamID, focus, description string, required []string, contextLimit, calls int) execution.Task {
	role := RoleFor(aspect)
	names := ToolNamesFor(aspect)
	if !IsCatalogAspect(aspect) && len(required) > 0 {
		names = append([]string(nil), required...)
		role = execution.RoleResearcher
		for _, n := range names {
			if n == tools.PythonREPL {
				role = execution.RoleCoder
			}
		}
	}
	names = d.allowed(ctx, role, names)

	if contextLimit <= 0 {
		contextLimit = d.config.ContextTokenLimit
	}
	if calls <= 0 {
		calls = plan.DefaultEstimatedCalls
	}

	t := execution.Task{
		AgentID:           fmt.Sprintf("subagent_%d_%s_%s", i, aspect, uuid.NewString()[:8]),
		StreamID:          streamID,
		Aspect:            aspect,
		Focus:             focus,
		Description:       description,
		Role:              role,
		ToolNames:         names,
		ContextTokenLimit: contextLimit,
		MaxSteps:          d.config.MaxSteps,
		EstimatedCalls:    calls,
	}
	if d.registry != nil {
		found, missing := d.registry.Subset(names)
		if len(missing) > 0 {
			d.logger.Debug("Tools not registered", zap.String("agent_id", t.AgentID), zap.Strings("missing", missing))
		}
		t.Tools = found
	}
	return t
}

func (d *Decomposer) allowed(ctx context.Context, role execution.Role, names []string) []string {
	if d.policy == nil {
		return names
	}
	out := names[:0:0]
	for _, n := range names {
		if d.policy.AllowTool(ctx, string(role), n) {
			out = append(out, n)
		} else {
			d.logger.Info("Tool denied by policy", zap.String("role", string(role)), zap.String("tool", n))
		}
	}
	return out
}
