package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// setupTestHome points HOME at a temp dir so the default config
// location and the path allowlist land inside the test sandbox.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func writeTestConfig(t *testing.T, home, content string) string {
	t.Helper()
	dir := filepath.Join(home, ".config", "researchd")
	require.NoError(t, os.MkdirAll(dir, 0700))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8420, cfg.Server.Port)
	assert.Equal(t, "badger", cfg.Checkpoint.Backend)
	assert.True(t, cfg.Checkpoint.SyncWrites)
	assert.Equal(t, "chromem", cfg.Graph.Backend)
	assert.Equal(t, "https://openrouter.ai/api/v1", cfg.Router.BaseURL)
	assert.Equal(t, 90*time.Second, cfg.Router.AttemptTimeout.Duration())
	assert.False(t, cfg.Telemetry.Enabled)
	assert.False(t, cfg.Router.APIKey.IsSet())
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	setupTestHome(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8420, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 20, cfg.Search.SearchesPerMinute)
	assert.True(t, cfg.Checkpoint.SyncWrites)
}

func TestLoadYAMLFile(t *testing.T) {
	home := setupTestHome(t)
	path := writeTestConfig(t, home, `server:
  http_port: 9999
  shutdown_timeout: 30s

logging:
  level: debug
  format: console

checkpoint:
  backend: memory
  retention: 48h
  grace_window: 5s

search:
  api_key: tvly-secret-key
  max_results: 5

router:
  api_key: sk-or-test
  attempt_timeout: 2m
  chains:
    planner: [anthropic/claude-sonnet-4, openai/gpt-4o]
    synthesizer: [anthropic/claude-opus-4]

driver:
  max_iterations: 40
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, "memory", cfg.Checkpoint.Backend)
	assert.Equal(t, 48*time.Hour, cfg.Checkpoint.Retention.Duration())
	assert.Equal(t, 5*time.Second, cfg.Checkpoint.GraceWindow.Duration())
	assert.Equal(t, "tvly-secret-key", cfg.Search.APIKey.Value())
	assert.Equal(t, 5, cfg.Search.MaxResults)
	assert.Equal(t, "sk-or-test", cfg.Router.APIKey.Value())
	assert.Equal(t, 2*time.Minute, cfg.Router.AttemptTimeout.Duration())
	assert.Equal(t, []string{"anthropic/claude-sonnet-4", "openai/gpt-4o"}, cfg.Router.Chains["planner"])
	assert.Equal(t, []string{"anthropic/claude-opus-4"}, cfg.Router.Chains["synthesizer"])
	assert.Equal(t, 40, cfg.Driver.MaxIterations)

	// Untouched sections keep their defaults.
	assert.Equal(t, "advanced", cfg.Search.Depth)
	assert.Equal(t, 4, cfg.Jobs.MaxConcurrent)
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	home := setupTestHome(t)
	path := writeTestConfig(t, home, `server:
  http_port: 9999

router:
  api_key: from-file
`)

	t.Setenv("RESEARCHD_SERVER_HTTP_PORT", "7777")
	t.Setenv("RESEARCHD_ROUTER_API_KEY", "from-env")
	t.Setenv("RESEARCHD_CHECKPOINT_BACKEND", "memory")
	t.Setenv("RESEARCHD_SEARCH_SEARCHES_PER_MINUTE", "3")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Router.APIKey.Value())
	assert.Equal(t, "memory", cfg.Checkpoint.Backend)
	assert.Equal(t, 3, cfg.Search.SearchesPerMinute)
}

func TestLoadExplicitFalseOverridesDefaultTrue(t *testing.T) {
	home := setupTestHome(t)
	path := writeTestConfig(t, home, `checkpoint:
  sync_writes: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Checkpoint.SyncWrites)
}

func TestLoadRejectsInsecurePermissions(t *testing.T) {
	home := setupTestHome(t)
	dir := filepath.Join(home, ".config", "researchd")
	require.NoError(t, os.MkdirAll(dir, 0700))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 9999\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadRejectsPathOutsideAllowedDirs(t *testing.T) {
	setupTestHome(t)

	outside := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(outside, []byte("{}"), 0600))

	_, err := Load(outside)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file must be in")
}

func TestLoadRejectsOversizeFile(t *testing.T) {
	home := setupTestHome(t)
	big := "# padding\n" + strings.Repeat("#", maxConfigFileSize)
	path := writeTestConfig(t, home, big)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file too large")
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	home := setupTestHome(t)
	path := writeTestConfig(t, home, `logging:
  level: loud
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid logging level")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "invalid server port",
		},
		{
			name:    "bad logging format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "invalid logging format",
		},
		{
			name: "telemetry enabled without endpoint",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Endpoint = ""
			},
			wantErr: "telemetry endpoint required",
		},
		{
			name: "insecure telemetry to remote endpoint",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Endpoint = "collector.example.com:4317"
			},
			wantErr: "insecure telemetry requires a local endpoint",
		},
		{
			name:    "unknown checkpoint backend",
			mutate:  func(c *Config) { c.Checkpoint.Backend = "postgres" },
			wantErr: "invalid checkpoint backend",
		},
		{
			name: "badger without path",
			mutate: func(c *Config) {
				c.Checkpoint.Backend = "badger"
				c.Checkpoint.Path = ""
			},
			wantErr: "checkpoint path required",
		},
		{
			name:    "unknown graph backend",
			mutate:  func(c *Config) { c.Graph.Backend = "neo4j" },
			wantErr: "invalid graph backend",
		},
		{
			name: "qdrant backend without host",
			mutate: func(c *Config) {
				c.Graph.Backend = "qdrant"
				c.Qdrant.Host = ""
			},
			wantErr: "qdrant host required",
		},
		{
			name: "embeddings without model",
			mutate: func(c *Config) {
				c.Embeddings.BaseURL = "http://localhost:8080"
				c.Embeddings.Dim = 384
			},
			wantErr: "embeddings model required",
		},
		{
			name:    "bad search depth",
			mutate:  func(c *Config) { c.Search.Depth = "exhaustive" },
			wantErr: "invalid search depth",
		},
		{
			name:    "search max results over cap",
			mutate:  func(c *Config) { c.Search.MaxResults = 50 },
			wantErr: "search max_results",
		},
		{
			name:    "empty router chain",
			mutate:  func(c *Config) { c.Router.Chains = map[string][]string{"planner": {}} },
			wantErr: `router chain for step "planner" is empty`,
		},
		{
			name: "plan phases above ceiling",
			mutate: func(c *Config) {
				c.Steps.MaxPlanPhases = 9
				c.Steps.MaxPhases = 5
			},
			wantErr: "max_plan_phases",
		},
		{
			name:    "zero driver iterations",
			mutate:  func(c *Config) { c.Driver.MaxIterations = 0 },
			wantErr: "max_iterations must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTransformEnvKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"RESEARCHD_SERVER_HTTP_PORT", "server.http_port"},
		{"RESEARCHD_ROUTER_API_KEY", "router.api_key"},
		{"RESEARCHD_SEARCH_SEARCHES_PER_MINUTE", "search.searches_per_minute"},
		{"RESEARCHD_CHECKPOINT_GRACE_WINDOW", "checkpoint.grace_window"},
		{"RESEARCHD_NATS_URL", "nats.url"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, transformEnvKey(tt.in), tt.in)
	}
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("sk-or-very-secret")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", s))
	assert.Equal(t, "sk-or-very-secret", s.Value())
	assert.True(t, s.IsSet())

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `"[REDACTED]"`, string(data))

	var empty Secret
	assert.Equal(t, "", empty.String())
	assert.False(t, empty.IsSet())
}

func TestSecretNeverFormatsRaw(t *testing.T) {
	s := Secret("tvly-key")
	assert.NotContains(t, fmt.Sprintf("%s %v %+v", s, s, s), "tvly-key")
}

func TestDurationRejectsNegative(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	err := d.UnmarshalText([]byte("-5s"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be negative")
}

func TestDurationJSON(t *testing.T) {
	d := Duration(90 * time.Second)
	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `"1m30s"`, string(data))
}

func TestExpandPath(t *testing.T) {
	home := setupTestHome(t)

	got, err := ExpandPath("~/.local/share/researchd/checkpoints")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".local", "share", "researchd", "checkpoints"), got)

	got, err = ExpandPath("/var/lib/researchd")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/researchd", got)

	got, err = ExpandPath("~")
	require.NoError(t, err)
	assert.Equal(t, home, got)
}

func TestWatcherReloadsOnChange(t *testing.T) {
	home := setupTestHome(t)
	path := writeTestConfig(t, home, "server:\n  http_port: 9999\n")

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, zap.NewNop(), func(cfg *Config) {
		reloaded <- cfg
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// An invalid intermediate write must not reach the callback.
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: loud\n"), 0600))
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 7777\n"), 0600))

	require.Eventually(t, func() bool {
		select {
		case cfg := <-reloaded:
			return cfg.Server.Port == 7777
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond, "expected reload with updated port")
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	home := setupTestHome(t)
	path := writeTestConfig(t, home, "server:\n  http_port: 9999\n")

	w, err := NewWatcher(path, zap.NewNop(), func(*Config) {})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	w.Stop()
	w.Stop()
}
