package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/service"
)

const (
	// DefaultTavilyURL is the Tavily search endpoint.
	DefaultTavilyURL = "https://api.tavily.com/search"
	// DefaultWebResults is the number of web results requested per query.
	DefaultWebResults = 3
)

// TavilyConfig configures the web search client.
type TavilyConfig struct {
	APIKey     string
	BaseURL    string
	MaxResults int
	Timeout    time.Duration
	HTTPClient *http.Client
	Retry      *service.RetryPolicy
}

// Tavily searches the web through the Tavily API.
type Tavily struct {
	cfg TavilyConfig
}

// NewTavily creates a web search client.
func NewTavily(cfg TavilyConfig) *Tavily {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultTavilyURL
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultWebResults
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Retry == nil {
		cfg.Retry = service.TransientRetryPolicy()
	}
	return &Tavily{cfg: cfg}
}

// Name identifies the source in placeholders and metrics.
func (t *Tavily) Name() string { return "web" }

type tavilyRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type tavilyResponse struct {
	Results []map[string]any `json:"results"`
}

// Search returns up to MaxResults items, each carrying "url" and "content".
func (t *Tavily) Search(ctx context.Context, query string) (any, error) {
	if strings.TrimSpace(t.cfg.APIKey) == "" {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "tavily api key is not set")
	}
	payload, err := json.Marshal(tavilyRequest{Query: query, MaxResults: t.cfg.MaxResults})
	if err != nil {
		return nil, err
	}

	body, err := fetch(ctx, t.cfg.HTTPClient, t.cfg.Retry, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var resp tavilyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, core.ErrMalformedRetrieval(t.Name(), "decoding tavily response").WithCause(err)
	}
	out := make([]any, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, map[string]any{"url": r["url"], "content": r["content"]})
	}
	return out, nil
}
