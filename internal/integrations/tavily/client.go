// Package tavily is the live web search collaborator backed by the Tavily
// search API.
package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"crm-agent/internal/domain"
)

const (
	defaultBaseURL  = "https://api.tavily.com"
	keyFetchTimeout = 10 * time.Second
)

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type searchRequest struct {
	Query         string `json:"query"`
	SearchDepth   string `json:"search_depth"`
	IncludeAnswer bool   `json:"include_answer"`
	MaxResults    int    `json:"max_results"`
}

type searchResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// StatusError is a non-2xx response from the search API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tavily: unexpected status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string
	maxResults  int

	keyFetch singleflight.Group
	mu       sync.Mutex
	apiKey   string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a search client whose API key lives at
// <paramPrefix>/tavily-token.
func NewClient(ps Getter, paramPrefix string, maxResults int, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("tavily: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("tavily: parameter prefix must not be empty")
	}
	if maxResults <= 0 {
		maxResults = 3
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
		maxResults:  maxResults,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolveAPIKey fetches the key once. The fetch runs outside c.mu and is
// shared by concurrent callers, each waiting under its own ctx.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.mu.Lock()
	key := c.apiKey
	c.mu.Unlock()
	if key != "" {
		return key, nil
	}

	ch := c.keyFetch.DoChan("key", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), keyFetchTimeout)
		defer cancel()
		raw, err := c.getter.GetParameter(fetchCtx, c.paramPrefix+"/tavily-token")
		if err != nil {
			return "", fmt.Errorf("tavily: fetch token from paramstore: %w", err)
		}
		var tp struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal([]byte(raw), &tp); err != nil {
			return "", fmt.Errorf("tavily: unmarshal paramstore token value as JSON: %w", err)
		}
		token := strings.TrimSpace(tp.Token)
		if token == "" {
			return "", errors.New("tavily: API token is empty")
		}
		c.mu.Lock()
		c.apiKey = token
		c.mu.Unlock()
		return token, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("tavily: waiting for API key: %w", ctx.Err())
	}
}

// Search returns the provider answer (if any) followed by ranked results.
// No results is a valid empty slice, not an error.
func (c *Client) Search(ctx context.Context, query string) ([]domain.Snippet, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("tavily: query must not be empty")
	}
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(searchRequest{
		Query:         query,
		SearchDepth:   "advanced",
		IncludeAnswer: true,
		MaxResults:    c.maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("tavily: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tavily: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tavily: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &StatusError{StatusCode: res.StatusCode, Body: string(buf)}
	}

	var payload searchResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 4<<20)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("tavily: decode response: %w", err)
	}

	out := make([]domain.Snippet, 0, len(payload.Results)+1)
	if answer := strings.TrimSpace(payload.Answer); answer != "" {
		out = append(out, domain.Snippet{Title: "answer", Content: answer})
	}
	for _, r := range payload.Results {
		content := strings.TrimSpace(r.Content)
		if content == "" {
			continue
		}
		out = append(out, domain.Snippet{Title: r.Title, URL: r.URL, Content: content})
	}
	return out, nil
}
