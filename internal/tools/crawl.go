package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
)

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// CrawlTool fetches a page and returns its readable text.
type CrawlTool struct {
	client    *http.Client
	userAgent string
	maxChars  int
	policy    *bluemonday.Policy
}

func NewCrawlTool(timeout time.Duration, maxChars int) *CrawlTool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxChars <= 0 {
		maxChars = 20000
	}
	return &CrawlTool{
		client:    &http.Client{Timeout: timeout},
		userAgent: defaultUserAgent,
		maxChars:  maxChars,
		policy:    bluemonday.StrictPolicy(),
	}
}

func (c *CrawlTool) Name() string { return Crawl }

func (c *CrawlTool) Description() string {
	return "Fetch a web page URL and extract the main content as clean text."
}

func (c *CrawlTool) Parameters() map[string]any {
	return stringSchema("url", "The full URL of the page to read")
}

func (c *CrawlTool) Execute(ctx context.Context, input string) (string, error) {
	raw := argument(input, "url")
	pageURL, err := url.Parse(raw)
	if err != nil || (pageURL.Scheme != "http" && pageURL.Scheme != "https") {
		return "", fmt.Errorf("invalid url %q", raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to fetch url: status code %d", resp.StatusCode)
	}

	article, err := readability.FromReader(resp.Body, pageURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse article: %w", err)
	}

	content := strings.TrimSpace(c.policy.Sanitize(article.TextContent))
	if content == "" {
		return "", errors.New("page has no readable content")
	}
	if r := []rune(content); len(r) > c.maxChars {
		content = string(r[:c.maxChars]) + "\n... (content truncated) ..."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\nTITLE: %s\n", pageURL.String(), article.Title)
	if article.Excerpt != "" {
		fmt.Fprintf(&b, "EXCERPT: %s\n", article.Excerpt)
	}
	b.WriteString("\n")
	b.WriteString(content)
	return b.String(), nil
}
