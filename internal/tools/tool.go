// Package tools holds the capabilities research workers can call.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"
)

// Tool names known to the decomposer and the worker prompts.
const (
	WebSearch  = "web_search"
	Crawl      = "crawl_tool"
	PythonREPL = "python_repl"
)

var ErrToolNotFound = errors.New("tool not found")

// Tool is a capability exposed to a worker through function calling.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any // JSON Schema for the tool's inputs
	Execute(ctx context.Context, input string) (string, error)
}

// Registry is the shared catalog tools are resolved from. It is safe for
// concurrent reads; tools themselves must be safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for n := range r.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Subset resolves names in order. Unknown names are returned separately.
func (r *Registry) Subset(names []string) (found []Tool, missing []string) {
	for _, n := range names {
		if t, ok := r.Get(n); ok {
			found = append(found, t)
		} else {
			missing = append(missing, n)
		}
	}
	return found, missing
}

// Definitions converts tools into langchaingo function definitions.
func Definitions(ts []Tool) []llms.Tool {
	out := make([]llms.Tool, 0, len(ts))
	for _, t := range ts {
		out = append(out, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return out
}

// argument reads a single string argument from a JSON object. Plain text
// input is taken as the argument itself so tools can be driven directly.
func argument(input, key string) string {
	trimmed := strings.TrimSpace(input)
	if strings.HasPrefix(trimmed, "{") {
		var m map[string]any
		if err := json.Unmarshal([]byte(trimmed), &m); err == nil {
			if v, ok := m[key].(string); ok {
				return v
			}
			return ""
		}
	}
	return trimmed
}

func stringSchema(key, description string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			key: map[string]any{
				"type":        "string",
				"description": description,
			},
		},
		"required": []string{key},
	}
}
