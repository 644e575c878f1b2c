package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, baseURL string) Client {
	t.Helper()
	c, err := New(&Config{
		APIKey:  "test-key",
		BaseURL: baseURL,
		// High limit so tests never sit in the bucket.
		SearchesPerMinute: 6000,
		MaxBackoff:        50 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestSearchSuccess(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/search", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"title": "Acme Corp filings", "url": "https://example.com/a", "content": "Filing details", "score": 0.92},
				{"title": "Acme press release", "url": "https://example.com/b", "raw_content": "Raw only", "score": 0.71},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	results, err := c.Search(context.Background(), "acme corp sec filings", Options{})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "Acme Corp filings", results[0].Title)
	assert.Equal(t, "https://example.com/a", results[0].URL)
	assert.InDelta(t, 0.92, results[0].Score, 1e-9)
	assert.Equal(t, "Raw only", results[1].Content, "raw content backfills empty content")

	assert.Equal(t, "test-key", captured["api_key"])
	assert.Equal(t, "acme corp sec filings", captured["query"])
	assert.Equal(t, "advanced", captured["search_depth"])
	assert.Equal(t, "general", captured["topic"])
	assert.Equal(t, float64(10), captured["max_results"])
	assert.Equal(t, true, captured["include_raw_content"])
	assert.Equal(t, false, captured["include_images"])
}

func TestSearchOptionOverrides(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []map[string]any{}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Search(context.Background(), "acme corp fund flows", Options{
		MaxResults: 3,
		Topic:      "finance",
		Depth:      "basic",
	})
	require.NoError(t, err)

	assert.Equal(t, "finance", captured["topic"])
	assert.Equal(t, "basic", captured["search_depth"])
	assert.Equal(t, float64(3), captured["max_results"])
}

func TestSearchRetriesAfterRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"title": "ok", "url": "https://example.com", "content": "x", "score": 0.5},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	results, err := c.Search(context.Background(), "query", Options{})
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSearchRateLimitHonorsCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	c := newTestClient(t, srv.URL)
	_, err := c.Search(ctx, "query", Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSearchServerErrorIsFinal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail":"bad query"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Search(context.Background(), "query", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), calls.Load(), "4xx other than 429 must not retry")
}

func TestSearchCapsResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		many := make([]map[string]any, 20)
		for i := range many {
			many[i] = map[string]any{"title": "t", "url": "u", "content": "c", "score": 0.1}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"results": many})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	results, err := c.Search(context.Background(), "query", Options{MaxResults: 4})
	require.NoError(t, err)
	assert.Len(t, results, 4)
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	c := newTestClient(t, "http://unused.invalid")
	_, err := c.Search(context.Background(), "   ", Options{})
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	_, err := New(&Config{}, zap.NewNop())
	assert.ErrorContains(t, err, "API key required")
}
