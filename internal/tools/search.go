package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/tools/duckduckgo"
)

// Searcher is the backend contract; langchaingo's duckduckgo tool satisfies it.
type Searcher interface {
	Call(ctx context.Context, input string) (string, error)
}

// SearchTool runs web searches.
type SearchTool struct {
	backend Searcher
}

// NewSearchTool uses DuckDuckGo with maxResults results per query.
func NewSearchTool(maxResults int) (*SearchTool, error) {
	if maxResults <= 0 {
		maxResults = 3
	}
	ddg, err := duckduckgo.New(maxResults, duckduckgo.DefaultUserAgent)
	if err != nil {
		return nil, err
	}
	return &SearchTool{backend: ddg}, nil
}

// NewSearchToolWithBackend is used with alternative search providers and in tests.
func NewSearchToolWithBackend(b Searcher) *SearchTool {
	return &SearchTool{backend: b}
}

func (s *SearchTool) Name() string { return WebSearch }

func (s *SearchTool) Description() string {
	return "Search the web for up-to-date information. Returns titles, snippets and URLs."
}

func (s *SearchTool) Parameters() map[string]any {
	return stringSchema("query", "The search query to look up")
}

func (s *SearchTool) Execute(ctx context.Context, input string) (string, error) {
	query := argument(input, "query")
	if query == "" {
		return "", errors.New("empty search query")
	}
	res, err := s.backend.Call(ctx, query)
	if err != nil {
		return "", fmt.Errorf("search failed: %w", err)
	}
	return res, nil
}
