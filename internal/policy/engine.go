// Package policy gates which tools each agent role may use, evaluated with OPA.
package policy

import (
	"context"
	"crypto/sha1"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

const decisionQuery = "data.research.tools.decision"

//go:embed default.rego
var defaultPolicy string

var ErrPolicyLoad = errors.New("policy load failed")

// Decision represents the policy evaluation result
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Engine evaluates tool grants. It is safe for concurrent use and can be
// reloaded while in use.
type Engine struct {
	config Config
	logger *zap.Logger

	mu       sync.RWMutex
	compiled *rego.PreparedEvalQuery
	version  string

	cache *expirable.LRU[string, Decision]
}

// NewEngine loads policies according to cfg. With FailClosed a load error
// is returned; otherwise the engine falls back to allowing every tool.
func NewEngine(cfg Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeEnforce
	}
	e := &Engine{
		config: cfg,
		logger: logger,
		cache:  expirable.NewLRU[string, Decision](256, nil, 5*time.Minute),
	}
	if !e.active() {
		return e, nil
	}
	if err := e.Load(context.Background()); err != nil {
		if cfg.FailClosed {
			return nil, fmt.Errorf("failed to load policies in fail-closed mode: %w", err)
		}
		logger.Warn("Failed to load policies, running in fail-open mode", zap.Error(err))
	}
	return e, nil
}

func (e *Engine) active() bool {
	return e.config.Enabled && e.config.Mode != ModeOff
}

// Load compiles the configured policy modules and swaps them in.
func (e *Engine) Load(ctx context.Context) error {
	modules, err := e.readModules()
	if err != nil {
		policyErrors.WithLabelValues("load").Inc()
		return fmt.Errorf("%w: %v", ErrPolicyLoad, err)
	}

	opts := []func(*rego.Rego){rego.Query(decisionQuery)}
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)
	h := sha1.New()
	for _, name := range names {
		opts = append(opts, rego.Module(name, modules[name]))
		h.Write([]byte(name))
		h.Write([]byte(modules[name]))
	}
	compiled, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		policyErrors.WithLabelValues("compile").Inc()
		return fmt.Errorf("%w: compile: %v", ErrPolicyLoad, err)
	}

	version := fmt.Sprintf("%x", h.Sum(nil))[:12]
	e.mu.Lock()
	e.compiled = &compiled
	e.version = version
	e.mu.Unlock()
	e.cache.Purge()

	policyLoadTime.Set(float64(time.Now().Unix()))
	policyCount.Set(float64(len(modules)))
	e.logger.Info("Policies loaded and compiled successfully",
		zap.Int("policy_count", len(modules)),
		zap.String("version", version),
		zap.String("decision_query", decisionQuery),
	)
	return nil
}

func (e *Engine) readModules() (map[string]string, error) {
	modules := make(map[string]string)
	path := e.config.Path
	if path == "" {
		modules["default"] = defaultPolicy
		return modules, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("policy path: %w", err)
	}
	if !info.IsDir() {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
		modules[strings.TrimSuffix(filepath.Base(path), ".rego")] = string(content)
		return modules, nil
	}
	err = filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() || !strings.HasSuffix(fi.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", p, err)
		}
		rel, _ := filepath.Rel(path, p)
		modules[strings.TrimSuffix(rel, ".rego")] = string(content)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk policy directory: %w", err)
	}
	if len(modules) == 0 {
		return nil, fmt.Errorf("no policy files found in %s", path)
	}
	return modules, nil
}

// Version identifies the loaded policy set.
func (e *Engine) Version() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// Evaluate returns the raw policy decision for role using tool.
func (e *Engine) Evaluate(ctx context.Context, role, tool string) (Decision, error) {
	e.mu.RLock()
	compiled := e.compiled
	e.mu.RUnlock()
	if !e.active() || compiled == nil {
		return Decision{Allow: !e.config.FailClosed || !e.active(), Reason: "policy engine disabled or no policies loaded"}, nil
	}

	key := role + "|" + tool
	if d, ok := e.cache.Get(key); ok {
		return d, nil
	}

	start := time.Now()
	results, err := compiled.Eval(ctx, rego.EvalInput(map[string]interface{}{"role": role, "tool": tool}))
	policyEvaluationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		policyErrors.WithLabelValues("evaluation").Inc()
		return Decision{Allow: !e.config.FailClosed, Reason: "policy evaluation error"}, err
	}
	d := parseResults(results)
	e.cache.Add(key, d)
	return d, nil
}

// AllowTool reports whether role may use tool. In dry-run mode denials are
// logged and counted but the tool is granted.
func (e *Engine) AllowTool(ctx context.Context, role, tool string) bool {
	d, err := e.Evaluate(ctx, role, tool)
	if err != nil {
		e.logger.Error("Policy evaluation failed", zap.String("role", role), zap.String("tool", tool), zap.Error(err))
	}
	mode := e.config.Mode
	label := "allow"
	if !d.Allow {
		label = "deny"
	}
	policyEvaluations.WithLabelValues(label, string(mode)).Inc()

	if !d.Allow && mode == ModeDryRun {
		policyDryRunDivergence.Inc()
		e.logger.Info("Dry-run policy would deny tool",
			zap.String("role", role),
			zap.String("tool", tool),
			zap.String("reason", d.Reason),
		)
		return true
	}
	if !d.Allow {
		e.logger.Debug("Tool denied by policy",
			zap.String("role", role),
			zap.String("tool", tool),
			zap.String("reason", d.Reason),
		)
	}
	return d.Allow
}

func parseResults(results rego.ResultSet) Decision {
	d := Decision{Reason: "no matching policy rules"}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return d
	}
	switch v := results[0].Expressions[0].Value.(type) {
	case map[string]interface{}:
		if allow, ok := v["allow"].(bool); ok {
			d.Allow = allow
		}
		if reason, ok := v["reason"].(string); ok {
			d.Reason = reason
		}
	case bool:
		d.Allow = v
		if v {
			d.Reason = "allowed by policy"
		} else {
			d.Reason = "denied by policy"
		}
	}
	return d
}
