// Package search wraps a Tavily-compatible web search API. Calls are
// rate limited client-side so burst-heavy phases cannot exhaust the
// account quota, and 429s are retried with backoff on top of that.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const instrumentationName = "github.com/fyrsmithlabs/researchd/internal/search"

var meter = otel.Meter(instrumentationName)

// Result is a single search hit.
type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Options tunes one query. Zero values fall back to the client
// defaults.
type Options struct {
	// MaxResults caps the hits returned for this query.
	MaxResults int

	// Topic selects the Tavily vertical ("general" or "finance").
	Topic string

	// Depth is "basic" or "advanced".
	Depth string
}

// Client is the search surface steps depend on. Tests substitute
// fakes.
type Client interface {
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Config configures the Tavily client.
type Config struct {
	// APIKey authenticates against the search API. Required.
	APIKey string

	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL string

	// Depth is the default search depth.
	Depth string

	// Topic is the default search vertical.
	Topic string

	// MaxResults is the default per-query result cap.
	MaxResults int

	// SearchesPerMinute sizes the client-side token bucket.
	SearchesPerMinute int

	// RequestTimeout bounds a single HTTP exchange.
	RequestTimeout time.Duration

	// MaxBackoff caps the doubling retry delay after a 429.
	MaxBackoff time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:           "https://api.tavily.com",
		Depth:             "advanced",
		Topic:             "general",
		MaxResults:        10,
		SearchesPerMinute: 20,
		RequestTimeout:    30 * time.Second,
		MaxBackoff:        30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.BaseURL == "" {
		c.BaseURL = d.BaseURL
	}
	if c.Depth == "" {
		c.Depth = d.Depth
	}
	if c.Topic == "" {
		c.Topic = d.Topic
	}
	if c.MaxResults <= 0 {
		c.MaxResults = d.MaxResults
	}
	if c.SearchesPerMinute <= 0 {
		c.SearchesPerMinute = d.SearchesPerMinute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("search API key required")
	}
	return nil
}

type tavilyClient struct {
	cfg        *Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	tracer     trace.Tracer

	requests metric.Int64Counter
}

// New builds the Tavily client.
func New(cfg *Config, logger *zap.Logger) (Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating search config: %w", err)
	}

	c := &tavilyClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.SearchesPerMinute)), cfg.SearchesPerMinute),
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
	}

	var err error
	c.requests, err = meter.Int64Counter(
		"researchd.search.requests_total",
		metric.WithDescription("Search API requests by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn("failed to create search request counter", zap.Error(err))
	}

	return c, nil
}

func (c *tavilyClient) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	ctx, span := c.tracer.Start(ctx, "search.query",
		trace.WithAttributes(attribute.String("topic", c.topic(opts))))
	defer span.End()

	if strings.TrimSpace(query) == "" {
		return nil, errors.New("empty query")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for search slot: %w", err)
	}

	body := map[string]any{
		"api_key":             c.cfg.APIKey,
		"query":               query,
		"search_depth":        c.depth(opts),
		"topic":               c.topic(opts),
		"max_results":         c.maxResults(opts),
		"include_raw_content": true,
		"include_images":      false,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling search request: %w", err)
	}

	// Retry on 429 with doubling delay; every other failure is final.
	delay := time.Second
	for {
		results, retryable, err := c.doRequest(ctx, payload, opts)
		if err == nil {
			c.record(ctx, "success")
			return results, nil
		}
		if !retryable {
			c.record(ctx, "error")
			return nil, err
		}

		c.record(ctx, "rate_limited")
		c.logger.Warn("search rate limited, backing off",
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay < c.cfg.MaxBackoff {
			delay *= 2
			if delay > c.cfg.MaxBackoff {
				delay = c.cfg.MaxBackoff
			}
		}
	}
}

func (c *tavilyClient) doRequest(ctx context.Context, payload []byte, opts Options) ([]Result, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("creating search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, true, errors.New("search API returned 429")
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, false, fmt.Errorf("search API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var decoded struct {
		Results []struct {
			Title      string  `json:"title"`
			URL        string  `json:"url"`
			Content    string  `json:"content"`
			RawContent string  `json:"raw_content"`
			Score      float64 `json:"score"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, false, fmt.Errorf("decoding search response: %w", err)
	}

	limit := c.maxResults(opts)
	results := make([]Result, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		content := r.Content
		if content == "" {
			content = r.RawContent
		}
		results = append(results, Result{Title: r.Title, URL: r.URL, Content: content, Score: r.Score})
		if len(results) >= limit {
			break
		}
	}
	return results, false, nil
}

func (c *tavilyClient) depth(opts Options) string {
	if opts.Depth != "" {
		return opts.Depth
	}
	return c.cfg.Depth
}

func (c *tavilyClient) topic(opts Options) string {
	if opts.Topic != "" {
		return opts.Topic
	}
	return c.cfg.Topic
}

func (c *tavilyClient) maxResults(opts Options) int {
	if opts.MaxResults > 0 {
		return opts.MaxResults
	}
	return c.cfg.MaxResults
}

func (c *tavilyClient) record(ctx context.Context, outcome string) {
	if c.requests == nil {
		return
	}
	c.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}
