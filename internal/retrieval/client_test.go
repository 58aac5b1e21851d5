package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/service"
)

func fastRetry() *service.RetryPolicy {
	return service.TransientRetryPolicy(
		service.WithMaxAttempts(3),
		service.WithBaseDelay(time.Millisecond),
		service.WithMaxDelay(2*time.Millisecond),
	)
}

func TestTavily_Search(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tvly-test" {
			t.Errorf("authorization = %q", got)
		}
		var body tavilyRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.Query != "agent memory" || body.MaxResults != 3 {
			t.Errorf("request = %+v", body)
		}
		_, _ = w.Write([]byte(`{"results":[{"url":"https://a.test","content":"alpha","score":0.9}]}`))
	}))
	defer srv.Close()

	tv := NewTavily(TavilyConfig{APIKey: "tvly-test", BaseURL: srv.URL, Retry: fastRetry()})
	raw, err := tv.Search(context.Background(), "agent memory")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	docs, err := Decode(raw, tv.Name())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(docs) != 1 || docs[0].URL != "https://a.test" || docs[0].Content != "alpha" {
		t.Fatalf("docs = %+v", docs)
	}
}

func TestTavily_RetriesServerErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	tv := NewTavily(TavilyConfig{APIKey: "k", BaseURL: srv.URL, Retry: fastRetry()})
	if _, err := tv.Search(context.Background(), "q"); err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestTavily_RejectsUnauthorizedWithoutRetry(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tv := NewTavily(TavilyConfig{APIKey: "k", BaseURL: srv.URL, Retry: fastRetry()})
	_, err := tv.Search(context.Background(), "q")
	if !core.IsCategory(err, core.ErrCatValidation) {
		t.Fatalf("error = %v, want validation", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestTavily_MissingKey(t *testing.T) {
	t.Parallel()
	_, err := NewTavily(TavilyConfig{}).Search(context.Background(), "q")
	if !core.IsCategory(err, core.ErrCatValidation) {
		t.Fatalf("error = %v", err)
	}
}

func TestWikipedia_Search(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("g", MaxReferenceChars+50)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("gsrsearch") != "golang" || q.Get("gsrlimit") != "2" {
			t.Errorf("query = %v", q)
		}
		resp := map[string]any{"query": map[string]any{"pages": map[string]any{
			"2": map[string]any{"pageid": 2, "title": "Gopher", "index": 2, "extract": "small", "fullurl": "https://en.wikipedia.org/wiki/Gopher"},
			"1": map[string]any{"pageid": 1, "title": "Go (language)", "index": 1, "extract": long},
		}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	wp := NewWikipedia(WikipediaConfig{BaseURL: srv.URL, Retry: fastRetry()})
	raw, err := wp.Search(context.Background(), "golang")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	docs, err := Decode(raw, wp.Name())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("len = %d", len(docs))
	}
	if docs[0].Source != "https://en.wikipedia.org/wiki/Go_(language)" {
		t.Errorf("source = %q", docs[0].Source)
	}
	if len(docs[0].Content) != MaxReferenceChars {
		t.Errorf("content length = %d", len(docs[0].Content))
	}
	if docs[1].Content != "small" {
		t.Errorf("second = %+v", docs[1])
	}
}

func TestWikipedia_BadJSON(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	}))
	defer srv.Close()

	_, err := NewWikipedia(WikipediaConfig{BaseURL: srv.URL, Retry: fastRetry()}).Search(context.Background(), "q")
	if !core.IsCategory(err, core.ErrCatRetrieval) {
		t.Fatalf("error = %v", err)
	}
}
