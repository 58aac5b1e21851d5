package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/service"
)

const (
	// DefaultWikipediaURL is the MediaWiki action API endpoint.
	DefaultWikipediaURL = "https://en.wikipedia.org/w/api.php"
	// DefaultReferenceDocs is the number of pages loaded per query.
	DefaultReferenceDocs = 2
	// MaxReferenceChars bounds the extract kept per page.
	MaxReferenceChars = 4000
)

// WikipediaConfig configures the reference lookup client.
type WikipediaConfig struct {
	BaseURL    string
	MaxDocs    int
	MaxChars   int
	UserAgent  string
	Timeout    time.Duration
	HTTPClient *http.Client
	Retry      *service.RetryPolicy
}

// Wikipedia loads encyclopedia pages matching a query.
type Wikipedia struct {
	cfg WikipediaConfig
}

// NewWikipedia creates a reference lookup client.
func NewWikipedia(cfg WikipediaConfig) *Wikipedia {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultWikipediaURL
	}
	if cfg.MaxDocs <= 0 {
		cfg.MaxDocs = DefaultReferenceDocs
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = MaxReferenceChars
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "deepresearch/1.0"
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
	return &Wikipedia{cfg: cfg}
}

// Name identifies the source in placeholders and metrics.
func (w *Wikipedia) Name() string { return "reference" }

type wikiPage struct {
	PageID  int    `json:"pageid"`
	Title   string `json:"title"`
	Index   int    `json:"index"`
	Extract string `json:"extract"`
	FullURL string `json:"fullurl"`
}

type wikiResponse struct {
	Query struct {
		Pages map[string]wikiPage `json:"pages"`
	} `json:"query"`
}

// Search runs a full-text search and returns the plain-text extracts of the
// best matches, each item carrying "source", "page" and "content".
func (w *Wikipedia) Search(ctx context.Context, query string) (any, error) {
	params := url.Values{}
	params.Set("action", "query")
	params.Set("format", "json")
	params.Set("generator", "search")
	params.Set("gsrsearch", query)
	params.Set("gsrlimit", strconv.Itoa(w.cfg.MaxDocs))
	params.Set("prop", "extracts|info")
	params.Set("inprop", "url")
	params.Set("explaintext", "1")
	params.Set("exlimit", "max")
	target := w.cfg.BaseURL + "?" + params.Encode()

	body, err := fetch(ctx, w.cfg.HTTPClient, w.cfg.Retry, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", w.cfg.UserAgent)
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var resp wikiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, core.ErrMalformedRetrieval(w.Name(), "decoding wikipedia response").WithCause(err)
	}

	pages := make([]wikiPage, 0, len(resp.Query.Pages))
	for _, p := range resp.Query.Pages {
		pages = append(pages, p)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].Index < pages[j].Index })
	if len(pages) > w.cfg.MaxDocs {
		pages = pages[:w.cfg.MaxDocs]
	}

	out := make([]any, 0, len(pages))
	for _, p := range pages {
		source := p.FullURL
		if source == "" {
			source = "https://en.wikipedia.org/wiki/" + strings.ReplaceAll(p.Title, " ", "_")
		}
		out = append(out, map[string]any{
			"source":  source,
			"page":    "",
			"content": truncateRunes(p.Extract, w.cfg.MaxChars),
		})
	}
	return out, nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
