package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 20
	maxSnippetLen      = 400
)

// HTTPSearch queries a JSON search endpoint of the form
// GET {endpoint}?q=...&count=... returning {"results":[{title,snippet,url}]}.
type HTTPSearch struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPSearch returns a search client for endpoint.
func NewHTTPSearch(endpoint, apiKey string) *HTTPSearch {
	return &HTTPSearch{
		endpoint: endpoint,
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Search runs query and returns at most limit results.
func (s *HTTPSearch) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	limit = clampSearchLimit(limit)

	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("count", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-Api-Key", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		Results []SearchResult `json:"results"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	if len(out.Results) > limit {
		out.Results = out.Results[:limit]
	}
	// trim snippets so we don't waste context
	for i := range out.Results {
		if len(out.Results[i].Snippet) > maxSnippetLen {
			out.Results[i].Snippet = out.Results[i].Snippet[:maxSnippetLen] + "..."
		}
	}
	return out.Results, nil
}

func clampSearchLimit(n int) int {
	switch {
	case n <= 0:
		return defaultSearchLimit
	case n > maxSearchLimit:
		return maxSearchLimit
	default:
		return n
	}
}
