// Package config loads researchd configuration from a YAML file with
// environment-variable overrides.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (RESEARCHD_SERVER_HTTP_PORT, RESEARCHD_ROUTER_API_KEY, ...)
//  2. YAML config file (~/.config/researchd/config.yaml)
//  3. Hardcoded defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds the complete researchd configuration. Sections are flat:
// each maps onto one component's own Config at daemon startup.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	NATS       NATSConfig       `koanf:"nats"`
	Checkpoint CheckpointConfig `koanf:"checkpoint"`
	Graph      GraphConfig      `koanf:"graph"`
	Qdrant     QdrantConfig     `koanf:"qdrant"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Search     SearchConfig     `koanf:"search"`
	Router     RouterConfig     `koanf:"router"`
	Steps      StepsConfig      `koanf:"steps"`
	Driver     DriverConfig     `koanf:"driver"`
	Jobs       JobsConfig       `koanf:"jobs"`
}

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	// Host is the bind address; 0.0.0.0 exposes the API beyond
	// localhost.
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is json or console.
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry export configuration.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint"`
	ServiceName string `koanf:"service_name"`

	// Insecure disables TLS; only honored for local endpoints.
	Insecure bool `koanf:"insecure"`

	// SampleRate is the trace sampling ratio in [0,1].
	SampleRate float64 `koanf:"sample_rate"`
}

// NATSConfig holds the event bus connection.
type NATSConfig struct {
	URL string `koanf:"url"`

	// Embedded runs an in-process server instead of dialing URL.
	Embedded bool   `koanf:"embedded"`
	StoreDir string `koanf:"store_dir"`
}

// CheckpointConfig holds the durable checkpoint store configuration.
type CheckpointConfig struct {
	// Backend is badger (persistent, default) or memory.
	Backend string `koanf:"backend"`

	Path       string   `koanf:"path"`
	SyncWrites bool     `koanf:"sync_writes"`
	Retention  Duration `koanf:"retention"`
	MaxPerJob  int      `koanf:"max_per_job"`
	GCInterval Duration `koanf:"gc_interval"`

	// GraceWindow bounds checkpoint write retries before a job pauses.
	GraceWindow Duration `koanf:"grace_window"`
}

// GraphConfig selects the entity graph backend.
type GraphConfig struct {
	// Backend is chromem (embedded, default) or qdrant.
	Backend string `koanf:"backend"`

	// Path persists the embedded graph on disk; empty keeps it in memory.
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// QdrantConfig holds the remote graph backend connection.
type QdrantConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	UseTLS     bool   `koanf:"use_tls"`
	APIKey     Secret `koanf:"api_key"`
	Collection string `koanf:"collection"`
}

// EmbeddingsConfig points at an optional OpenAI-compatible embeddings
// endpoint. When unset the graph uses deterministic identity vectors.
type EmbeddingsConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  Secret `koanf:"api_key"`
	Dim     int    `koanf:"dim"`
}

// SearchConfig holds the web search provider configuration.
type SearchConfig struct {
	APIKey            Secret   `koanf:"api_key"`
	BaseURL           string   `koanf:"base_url"`
	Depth             string   `koanf:"depth"`
	Topic             string   `koanf:"topic"`
	MaxResults        int      `koanf:"max_results"`
	SearchesPerMinute int      `koanf:"searches_per_minute"`
	Timeout           Duration `koanf:"timeout"`
}

// RouterConfig holds the model gateway configuration.
type RouterConfig struct {
	APIKey         Secret   `koanf:"api_key"`
	BaseURL        string   `koanf:"base_url"`
	AttemptTimeout Duration `koanf:"attempt_timeout"`

	// Chains overrides the built-in provider chain per step kind,
	// e.g. planner: [anthropic/claude-sonnet-4, openai/gpt-4o].
	Chains map[string][]string `koanf:"chains"`
}

// StepsConfig tunes step execution.
type StepsConfig struct {
	MaxQueriesPerBatch int `koanf:"max_queries_per_batch"`
	SearchConcurrency  int `koanf:"search_concurrency"`
	MaxPhases          int `koanf:"max_phases"`
	MaxPlanPhases      int `koanf:"max_plan_phases"`
	MaxTokens          int `koanf:"max_tokens"`
}

// DriverConfig tunes the per-job run loop.
type DriverConfig struct {
	MaxIterations int      `koanf:"max_iterations"`
	StepTimeout   Duration `koanf:"step_timeout"`
}

// JobsConfig tunes the job service.
type JobsConfig struct {
	MaxConcurrent int `koanf:"max_concurrent"`
}

// DefaultConfig returns the configuration used when no file and no
// environment overrides are present. Secrets default empty; components
// that need them reject empty values at startup.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8420,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "researchd",
			Insecure:    true,
			SampleRate:  1.0,
		},
		NATS: NATSConfig{
			URL:      "nats://127.0.0.1:4222",
			StoreDir: "~/.local/share/researchd/nats",
		},
		Checkpoint: CheckpointConfig{
			Backend:     "badger",
			Path:        "~/.local/share/researchd/checkpoints",
			SyncWrites:  true,
			Retention:   Duration(168 * time.Hour),
			MaxPerJob:   50,
			GCInterval:  Duration(5 * time.Minute),
			GraceWindow: Duration(30 * time.Second),
		},
		Graph: GraphConfig{
			Backend: "chromem",
			Path:    "~/.local/share/researchd/graph",
		},
		Qdrant: QdrantConfig{
			Host:       "localhost",
			Port:       6334,
			Collection: "researchd_graph",
		},
		Search: SearchConfig{
			BaseURL:           "https://api.tavily.com",
			Depth:             "advanced",
			Topic:             "general",
			MaxResults:        10,
			SearchesPerMinute: 20,
			Timeout:           Duration(30 * time.Second),
		},
		Router: RouterConfig{
			BaseURL:        "https://openrouter.ai/api/v1",
			AttemptTimeout: Duration(90 * time.Second),
		},
		Steps: StepsConfig{
			MaxQueriesPerBatch: 6,
			SearchConcurrency:  4,
			MaxPhases:          5,
			MaxPlanPhases:      4,
			MaxTokens:          4096,
		},
		Driver: DriverConfig{
			MaxIterations: 150,
			StepTimeout:   Duration(10 * time.Minute),
		},
		Jobs: JobsConfig{
			MaxConcurrent: 4,
		},
	}
}

// applyDefaults re-fills fields an explicit empty value blanked out.
// Booleans keep whatever the loaded layers decided; their defaults come
// from the pre-populated struct the loader unmarshals into.
func applyDefaults(cfg *Config) {
	d := DefaultConfig()

	if cfg.Server.Host == "" {
		cfg.Server.Host = d.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = d.Server.Port
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = d.Logging.Format
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = d.Telemetry.ServiceName
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = d.Telemetry.Endpoint
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = d.NATS.URL
	}
	if cfg.NATS.StoreDir == "" {
		cfg.NATS.StoreDir = d.NATS.StoreDir
	}

	if cfg.Checkpoint.Backend == "" {
		cfg.Checkpoint.Backend = d.Checkpoint.Backend
	}
	if cfg.Checkpoint.Path == "" {
		cfg.Checkpoint.Path = d.Checkpoint.Path
	}
	if cfg.Checkpoint.Retention == 0 {
		cfg.Checkpoint.Retention = d.Checkpoint.Retention
	}
	if cfg.Checkpoint.MaxPerJob == 0 {
		cfg.Checkpoint.MaxPerJob = d.Checkpoint.MaxPerJob
	}
	if cfg.Checkpoint.GCInterval == 0 {
		cfg.Checkpoint.GCInterval = d.Checkpoint.GCInterval
	}
	if cfg.Checkpoint.GraceWindow == 0 {
		cfg.Checkpoint.GraceWindow = d.Checkpoint.GraceWindow
	}

	if cfg.Graph.Backend == "" {
		cfg.Graph.Backend = d.Graph.Backend
	}

	if cfg.Qdrant.Host == "" {
		cfg.Qdrant.Host = d.Qdrant.Host
	}
	if cfg.Qdrant.Port == 0 {
		cfg.Qdrant.Port = d.Qdrant.Port
	}
	if cfg.Qdrant.Collection == "" {
		cfg.Qdrant.Collection = d.Qdrant.Collection
	}

	if cfg.Search.BaseURL == "" {
		cfg.Search.BaseURL = d.Search.BaseURL
	}
	if cfg.Search.Depth == "" {
		cfg.Search.Depth = d.Search.Depth
	}
	if cfg.Search.Topic == "" {
		cfg.Search.Topic = d.Search.Topic
	}
	if cfg.Search.MaxResults <= 0 {
		cfg.Search.MaxResults = d.Search.MaxResults
	}
	if cfg.Search.SearchesPerMinute <= 0 {
		cfg.Search.SearchesPerMinute = d.Search.SearchesPerMinute
	}
	if cfg.Search.Timeout == 0 {
		cfg.Search.Timeout = d.Search.Timeout
	}

	if cfg.Router.BaseURL == "" {
		cfg.Router.BaseURL = d.Router.BaseURL
	}
	if cfg.Router.AttemptTimeout == 0 {
		cfg.Router.AttemptTimeout = d.Router.AttemptTimeout
	}

	if cfg.Steps.MaxQueriesPerBatch <= 0 {
		cfg.Steps.MaxQueriesPerBatch = d.Steps.MaxQueriesPerBatch
	}
	if cfg.Steps.SearchConcurrency <= 0 {
		cfg.Steps.SearchConcurrency = d.Steps.SearchConcurrency
	}
	if cfg.Steps.MaxPhases <= 0 {
		cfg.Steps.MaxPhases = d.Steps.MaxPhases
	}
	if cfg.Steps.MaxPlanPhases <= 0 {
		cfg.Steps.MaxPlanPhases = d.Steps.MaxPlanPhases
	}
	if cfg.Steps.MaxTokens <= 0 {
		cfg.Steps.MaxTokens = d.Steps.MaxTokens
	}

	if cfg.Driver.MaxIterations <= 0 {
		cfg.Driver.MaxIterations = d.Driver.MaxIterations
	}
	if cfg.Driver.StepTimeout == 0 {
		cfg.Driver.StepTimeout = d.Driver.StepTimeout
	}

	if cfg.Jobs.MaxConcurrent <= 0 {
		cfg.Jobs.MaxConcurrent = d.Jobs.MaxConcurrent
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level %q (debug, info, warn, error)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format %q (json, console)", c.Logging.Format)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry endpoint required when telemetry is enabled")
		}
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry service_name required when telemetry is enabled")
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			return fmt.Errorf("telemetry sample_rate must be between 0 and 1, got %f", c.Telemetry.SampleRate)
		}
		if c.Telemetry.Insecure && !isLocalEndpoint(c.Telemetry.Endpoint) {
			return fmt.Errorf("insecure telemetry requires a local endpoint; set insecure=false for %s", c.Telemetry.Endpoint)
		}
	}

	if !c.NATS.Embedded && c.NATS.URL == "" {
		return fmt.Errorf("nats url required unless the embedded server is enabled")
	}

	switch c.Checkpoint.Backend {
	case "badger", "memory":
	default:
		return fmt.Errorf("invalid checkpoint backend %q (badger, memory)", c.Checkpoint.Backend)
	}
	if c.Checkpoint.Backend == "badger" && c.Checkpoint.Path == "" {
		return fmt.Errorf("checkpoint path required for badger backend")
	}
	if c.Checkpoint.Retention.Duration() <= 0 {
		return fmt.Errorf("checkpoint retention must be positive")
	}
	if c.Checkpoint.MaxPerJob < 0 {
		return fmt.Errorf("checkpoint max_per_job cannot be negative")
	}
	if c.Checkpoint.GraceWindow.Duration() <= 0 {
		return fmt.Errorf("checkpoint grace_window must be positive")
	}

	switch c.Graph.Backend {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("invalid graph backend %q (chromem, qdrant)", c.Graph.Backend)
	}
	if c.Graph.Backend == "qdrant" {
		if c.Qdrant.Host == "" {
			return fmt.Errorf("qdrant host required for qdrant graph backend")
		}
		if c.Qdrant.Port < 1 || c.Qdrant.Port > 65535 {
			return fmt.Errorf("invalid qdrant port: %d", c.Qdrant.Port)
		}
	}

	if c.Embeddings.BaseURL != "" {
		if c.Embeddings.Model == "" {
			return fmt.Errorf("embeddings model required when embeddings base_url is set")
		}
		if c.Embeddings.Dim <= 0 {
			return fmt.Errorf("embeddings dim required when embeddings base_url is set")
		}
	}

	switch c.Search.Depth {
	case "basic", "advanced":
	default:
		return fmt.Errorf("invalid search depth %q (basic, advanced)", c.Search.Depth)
	}
	if c.Search.MaxResults < 1 || c.Search.MaxResults > 20 {
		return fmt.Errorf("search max_results must be 1-20, got %d", c.Search.MaxResults)
	}
	if c.Search.SearchesPerMinute <= 0 {
		return fmt.Errorf("search searches_per_minute must be positive")
	}
	if c.Search.Timeout.Duration() <= 0 {
		return fmt.Errorf("search timeout must be positive")
	}

	if c.Router.BaseURL == "" {
		return fmt.Errorf("router base_url required")
	}
	if c.Router.AttemptTimeout.Duration() <= 0 {
		return fmt.Errorf("router attempt_timeout must be positive")
	}
	for step, chain := range c.Router.Chains {
		if len(chain) == 0 {
			return fmt.Errorf("router chain for step %q is empty", step)
		}
	}

	if c.Steps.MaxPlanPhases > c.Steps.MaxPhases {
		return fmt.Errorf("steps max_plan_phases (%d) cannot exceed max_phases (%d)",
			c.Steps.MaxPlanPhases, c.Steps.MaxPhases)
	}

	if c.Driver.MaxIterations <= 0 {
		return fmt.Errorf("driver max_iterations must be positive")
	}
	if c.Driver.StepTimeout.Duration() <= 0 {
		return fmt.Errorf("driver step_timeout must be positive")
	}

	if c.Jobs.MaxConcurrent <= 0 {
		return fmt.Errorf("jobs max_concurrent must be positive")
	}

	return nil
}

// ExpandPath resolves a leading ~/ against the user's home directory.
// Paths without the prefix pass through unchanged.
func ExpandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// isLocalEndpoint reports whether the endpoint host is a loopback
// address, where plaintext transport is acceptable.
func isLocalEndpoint(endpoint string) bool {
	host := endpoint

	if strings.HasPrefix(host, "[") {
		if idx := strings.Index(host, "]:"); idx != -1 {
			host = host[1:idx]
		} else if strings.HasSuffix(host, "]") {
			host = host[1 : len(host)-1]
		}
	} else if strings.Count(host, ":") == 1 {
		if idx := strings.LastIndex(host, ":"); idx != -1 {
			host = host[:idx]
		}
	}

	return host == "localhost" ||
		host == "::1" ||
		strings.HasPrefix(host, "127.") ||
		strings.HasPrefix(endpoint, "::1")
}
