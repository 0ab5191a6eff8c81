package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openfroyo/opsflow/pkg/engine"
)

// DefaultExaEndpoint is the Exa search API.
const DefaultExaEndpoint = "https://api.exa.ai/search"

// SearchResult is a single search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Content string `json:"content,omitempty"`
}

// SearchResponse is the result of one search.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
	Query   string         `json:"query"`
}

// SearchProvider performs web searches.
type SearchProvider interface {
	// Search returns up to numResults hits for query.
	Search(ctx context.Context, query string, numResults int) (*SearchResponse, error)

	// Name returns the provider name.
	Name() string
}

// ExaSearch implements SearchProvider with the Exa API.
type ExaSearch struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

// ExaOption configures ExaSearch.
type ExaOption func(*ExaSearch)

// WithExaEndpoint overrides the API endpoint.
func WithExaEndpoint(endpoint string) ExaOption {
	return func(e *ExaSearch) { e.endpoint = endpoint }
}

// WithExaHTTPClient overrides the HTTP client.
func WithExaHTTPClient(c *http.Client) ExaOption {
	return func(e *ExaSearch) { e.client = c }
}

// NewExaSearch creates an Exa search provider.
func NewExaSearch(apiKey string, opts ...ExaOption) (*ExaSearch, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("exa API key is not configured")
	}
	e := &ExaSearch{
		apiKey:   apiKey,
		endpoint: DefaultExaEndpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

type exaSearchRequest struct {
	Query         string             `json:"query"`
	NumResults    int                `json:"numResults,omitempty"`
	UseAutoprompt bool               `json:"useAutoprompt,omitempty"`
	Contents      exaContentsOptions `json:"contents,omitempty"`
}

type exaContentsOptions struct {
	Text bool `json:"text,omitempty"`
}

type exaSearchResponse struct {
	Results []exaResult `json:"results"`
}

type exaResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Text    string `json:"text,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// Name implements SearchProvider.
func (e *ExaSearch) Name() string { return "exa" }

// Search implements SearchProvider. Rate limiting is reported as a throttled
// error and server failures as transient errors.
func (e *ExaSearch) Search(ctx context.Context, query string, numResults int) (*SearchResponse, error) {
	if numResults <= 0 {
		numResults = 5
	}

	body, err := json.Marshal(exaSearchRequest{
		Query:         query,
		NumResults:    numResults,
		UseAutoprompt: true,
		Contents:      exaContentsOptions{Text: true},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, engine.NewTransientError("exa request failed", err).
			WithCode(engine.ErrCodeAdapterFailed).
			WithOperation("search")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyHTTPStatus(resp.StatusCode, fmt.Sprintf("exa API error (status %d): %s", resp.StatusCode, string(msg)), "search")
	}

	var exaResp exaSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&exaResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	results := make([]SearchResult, len(exaResp.Results))
	for i, r := range exaResp.Results {
		snippet := r.Snippet
		if snippet == "" {
			snippet = r.Text
			if runes := []rune(r.Text); len(runes) > 200 {
				snippet = string(runes[:200]) + "..."
			}
		}
		results[i] = SearchResult{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: snippet,
			Content: r.Text,
		}
	}

	return &SearchResponse{Results: results, Query: query}, nil
}

// classifyHTTPStatus maps an HTTP failure onto the engine error classes.
func classifyHTTPStatus(status int, msg, operation string) error {
	var err *engine.EngineError
	switch {
	case status == http.StatusTooManyRequests:
		err = engine.NewThrottledError(msg, nil).WithCode(engine.ErrCodeRateLimited)
	case status >= 500:
		err = engine.NewTransientError(msg, nil).WithCode(engine.ErrCodeAdapterFailed)
	default:
		err = engine.NewPermanentError(msg, nil).WithCode(engine.ErrCodeAdapterFailed)
	}
	return err.WithOperation(operation).WithDetail("status", status)
}
