// Researchd is the automated research daemon: it accepts research
// targets over HTTP, drives each job's step loop against web search
// and model providers, checkpoints every iteration, and streams
// progress events over SSE.
//
// Configuration is loaded from ~/.config/researchd/config.yaml with
// RESEARCHD_* environment overrides. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	researchd
//
//	# Point at an explicit config file
//	researchd -config /etc/researchd/config.yaml
//
//	# Configure via environment
//	RESEARCHD_SERVER_HTTP_PORT=9090 RESEARCHD_CHECKPOINT_BACKEND=memory researchd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/checkpoint"
	"github.com/fyrsmithlabs/researchd/internal/config"
	"github.com/fyrsmithlabs/researchd/internal/driver"
	"github.com/fyrsmithlabs/researchd/internal/events"
	"github.com/fyrsmithlabs/researchd/internal/graph"
	"github.com/fyrsmithlabs/researchd/internal/jobs"
	"github.com/fyrsmithlabs/researchd/internal/logging"
	"github.com/fyrsmithlabs/researchd/internal/modelrouter"
	"github.com/fyrsmithlabs/researchd/internal/research"
	"github.com/fyrsmithlabs/researchd/internal/search"
	"github.com/fyrsmithlabs/researchd/internal/server"
	"github.com/fyrsmithlabs/researchd/internal/steps"
	"github.com/fyrsmithlabs/researchd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/researchd/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  researchd           Start the research daemon\n")
			fmt.Fprintf(os.Stderr, "  researchd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("researchd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until context cancellation.
//
// Initialization order matters: telemetry feeds the logger's OTEL
// core, the bus feeds the emitter, and the stores must be up before
// ResumeAll picks interrupted jobs back off their checkpoints.
func run(ctx context.Context, configPath string) error {
	if err := config.EnsureConfigDir(); err != nil {
		log.Printf("Warning: could not create config directory: %v", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	tel, err := initTelemetry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger, err := initLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	zlog := logger.Underlying()
	defer func() {
		_ = zlog.Sync() // Best-effort sync on shutdown
	}()

	zlog.Info("starting researchd",
		zap.String("version", version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("telemetry", cfg.Telemetry.Enabled),
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend),
		zap.String("graph_backend", cfg.Graph.Backend))

	deps, err := initDependencies(cfg, zlog)
	if err != nil {
		return fmt.Errorf("initializing dependencies: %w", err)
	}
	defer deps.Close(zlog)

	zlog.Info("dependencies initialized",
		zap.Bool("nats_embedded", deps.natsServer != nil),
		zap.String("nats_url", deps.natsConn.ConnectedUrl()))

	svc, err := initJobService(cfg, deps, zlog)
	if err != nil {
		return fmt.Errorf("initializing job service: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if serr := svc.Shutdown(shutdownCtx); serr != nil {
			zlog.Warn("job service shutdown incomplete", zap.Error(serr))
		}
	}()

	resumed, err := svc.ResumeAll(ctx)
	if err != nil {
		return fmt.Errorf("resuming interrupted jobs: %w", err)
	}
	if resumed > 0 {
		zlog.Info("resumed interrupted jobs", zap.Int("count", resumed))
	}

	watcher, err := config.NewWatcher(configPath, zlog, func(next *config.Config) {
		reloadRouter(deps.router, next, zlog)
	})
	if err != nil {
		zlog.Warn("config watcher unavailable", zap.Error(err))
	} else if err := watcher.Start(ctx); err != nil {
		zlog.Warn("config watcher failed to start", zap.Error(err))
	} else {
		defer watcher.Stop()
	}

	srv, err := server.NewServer(svc, deps.natsConn, zlog, &server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration(),
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	zlog.Info("server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/healthz", cfg.Server.Host, cfg.Server.Port)),
		zap.String("api_prefix", "/api/v1/research"),
		zap.String("metrics_endpoint", "/metrics"))

	if err := srv.Start(ctx); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// dependencies holds all infrastructure dependencies.
type dependencies struct {
	natsConn   *nats.Conn
	natsServer *natsserver.Server
	manager    *checkpoint.Manager
	graphStore graph.Store
	searcher   search.Client
	router     *modelrouter.Reloadable
}

// Close releases infrastructure in reverse dependency order. The job
// service must already be drained: driver loops write checkpoints and
// publish events right up to their terminal states.
func (d *dependencies) Close(zlog *zap.Logger) {
	if d.natsConn != nil {
		d.natsConn.Close()
	}
	if d.natsServer != nil {
		d.natsServer.Shutdown()
		d.natsServer.WaitForShutdown()
	}
	if d.graphStore != nil {
		if err := d.graphStore.Close(); err != nil {
			zlog.Warn("graph store close failed", zap.Error(err))
		}
	}
	if d.manager != nil {
		if err := d.manager.Close(); err != nil {
			zlog.Warn("checkpoint store close failed", zap.Error(err))
		}
	}
}

func initTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	telCfg := telemetry.NewDefaultConfig()
	telCfg.Enabled = cfg.Telemetry.Enabled
	telCfg.Endpoint = cfg.Telemetry.Endpoint
	telCfg.ServiceName = cfg.Telemetry.ServiceName
	telCfg.ServiceVersion = version
	telCfg.Insecure = cfg.Telemetry.Insecure
	telCfg.Sampling.Rate = cfg.Telemetry.SampleRate
	return telemetry.New(ctx, telCfg)
}

func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}

	logCfg := logging.NewDefaultConfig()
	logCfg.Level = level
	logCfg.Format = cfg.Logging.Format
	logCfg.Output.OTEL = cfg.Telemetry.Enabled
	return logging.NewLogger(logCfg, tel.LoggerProvider())
}

// initDependencies brings up the event bus, the stores, and the
// outbound clients.
func initDependencies(cfg *config.Config, zlog *zap.Logger) (*dependencies, error) {
	deps := &dependencies{}
	ok := false
	defer func() {
		if !ok {
			deps.Close(zlog)
		}
	}()

	// Event bus: embedded server or external dial.
	if cfg.NATS.Embedded {
		ns, err := startEmbeddedNATS(cfg)
		if err != nil {
			return nil, fmt.Errorf("starting embedded NATS: %w", err)
		}
		deps.natsServer = ns

		nc, err := nats.Connect(ns.ClientURL())
		if err != nil {
			return nil, fmt.Errorf("connecting to embedded NATS: %w", err)
		}
		deps.natsConn = nc
	} else {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.NATS.URL, err)
		}
		deps.natsConn = nc
	}

	// Checkpoint store.
	var store checkpoint.Store
	switch cfg.Checkpoint.Backend {
	case "memory":
		store = checkpoint.NewMemoryStore(cfg.Checkpoint.MaxPerJob)
	default:
		cpPath, err := config.ExpandPath(cfg.Checkpoint.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding checkpoint path: %w", err)
		}
		store, err = checkpoint.NewBadgerStore(&checkpoint.BadgerConfig{
			Path:       cpPath,
			SyncWrites: cfg.Checkpoint.SyncWrites,
			Retention:  cfg.Checkpoint.Retention.Duration(),
			MaxPerJob:  cfg.Checkpoint.MaxPerJob,
			GCInterval: cfg.Checkpoint.GCInterval.Duration(),
		}, zlog)
		if err != nil {
			return nil, fmt.Errorf("opening checkpoint store: %w", err)
		}
	}

	managerCfg := checkpoint.DefaultManagerConfig()
	managerCfg.GraceWindow = cfg.Checkpoint.GraceWindow.Duration()
	manager, err := checkpoint.NewManager(store, managerCfg, zlog)
	if err != nil {
		return nil, fmt.Errorf("creating checkpoint manager: %w", err)
	}
	deps.manager = manager

	// Graph store.
	graphCfg := graph.DefaultConfig()
	graphCfg.Backend = cfg.Graph.Backend
	graphCfg.Chromem.Path, err = config.ExpandPath(cfg.Graph.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding graph path: %w", err)
	}
	graphCfg.Chromem.Compress = cfg.Graph.Compress
	graphCfg.Qdrant.Host = cfg.Qdrant.Host
	graphCfg.Qdrant.Port = cfg.Qdrant.Port
	graphCfg.Qdrant.UseTLS = cfg.Qdrant.UseTLS
	graphCfg.Qdrant.APIKey = cfg.Qdrant.APIKey.Value()
	graphCfg.Qdrant.Collection = cfg.Qdrant.Collection
	graphCfg.Embeddings = graph.RemoteEmbedderConfig{
		BaseURL: cfg.Embeddings.BaseURL,
		Model:   cfg.Embeddings.Model,
		APIKey:  cfg.Embeddings.APIKey.Value(),
		Dim:     cfg.Embeddings.Dim,
	}
	graphStore, err := graph.NewStore(graphCfg, zlog)
	if err != nil {
		return nil, fmt.Errorf("opening graph store: %w", err)
	}
	deps.graphStore = graphStore

	// Web search client.
	searcher, err := search.New(&search.Config{
		APIKey:            cfg.Search.APIKey.Value(),
		BaseURL:           cfg.Search.BaseURL,
		Depth:             cfg.Search.Depth,
		Topic:             cfg.Search.Topic,
		MaxResults:        cfg.Search.MaxResults,
		SearchesPerMinute: cfg.Search.SearchesPerMinute,
		RequestTimeout:    cfg.Search.Timeout.Duration(),
	}, zlog)
	if err != nil {
		return nil, fmt.Errorf("creating search client: %w", err)
	}
	deps.searcher = searcher

	// Model router, wrapped so the config watcher can swap chains in
	// without restarting.
	router, err := modelrouter.NewService(routerConfig(cfg), zlog)
	if err != nil {
		return nil, fmt.Errorf("creating model router: %w", err)
	}
	deps.router = modelrouter.NewReloadable(router)

	ok = true
	return deps, nil
}

func initJobService(cfg *config.Config, deps *dependencies, zlog *zap.Logger) (*jobs.Service, error) {
	registry, err := steps.NewRegistry(&steps.Config{
		MaxQueriesPerBatch: cfg.Steps.MaxQueriesPerBatch,
		SearchConcurrency:  cfg.Steps.SearchConcurrency,
		MaxPhases:          cfg.Steps.MaxPhases,
		MaxPlanPhases:      cfg.Steps.MaxPlanPhases,
		MaxTokens:          cfg.Steps.MaxTokens,
	}, steps.Deps{
		Router: deps.router,
		Search: deps.searcher,
		Graph:  deps.graphStore,
		Logger: zlog,
	})
	if err != nil {
		return nil, fmt.Errorf("creating step registry: %w", err)
	}

	emitter, err := events.NewNATS(deps.natsConn, zlog)
	if err != nil {
		return nil, fmt.Errorf("creating event emitter: %w", err)
	}

	d, err := driver.New(&driver.Config{
		MaxIterations: cfg.Driver.MaxIterations,
		StepTimeout:   cfg.Driver.StepTimeout.Duration(),
	}, driver.Deps{
		Steps:      registry,
		Checkpoint: deps.manager,
		Emitter:    emitter,
		Logger:     zlog,
	})
	if err != nil {
		return nil, fmt.Errorf("creating driver: %w", err)
	}

	return jobs.New(&jobs.Config{MaxConcurrent: cfg.Jobs.MaxConcurrent}, jobs.Deps{
		Driver:     d,
		Checkpoint: deps.manager,
		Graph:      deps.graphStore,
		Logger:     zlog,
	})
}

// startEmbeddedNATS runs an in-process bus on a random localhost port.
// Embedded mode serves single-process deployments; outside clients
// reach events through the SSE endpoint, not the bus.
func startEmbeddedNATS(cfg *config.Config) (*natsserver.Server, error) {
	storeDir, err := config.ExpandPath(cfg.NATS.StoreDir)
	if err != nil {
		return nil, fmt.Errorf("expanding NATS store dir: %w", err)
	}
	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1, // Random port
		JetStream: true,
		StoreDir:  storeDir,
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, err
	}
	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready after 5s")
	}
	return ns, nil
}

func routerConfig(cfg *config.Config) *modelrouter.Config {
	return &modelrouter.Config{
		BaseURL:        cfg.Router.BaseURL,
		APIKey:         cfg.Router.APIKey.Value(),
		AttemptTimeout: cfg.Router.AttemptTimeout.Duration(),
		Chains:         routerChains(cfg.Router.Chains),
	}
}

func routerChains(m map[string][]string) modelrouter.Chains {
	if len(m) == 0 {
		return nil
	}
	chains := make(modelrouter.Chains, len(m))
	for step, models := range m {
		chains[research.StepKind(step)] = append([]string(nil), models...)
	}
	return chains
}

// reloadRouter rebuilds the model router from a freshly validated
// config and swaps it in. In-flight invocations finish on the router
// they started with; only the provider chains change, so the rest of
// the pipeline keeps its handles.
func reloadRouter(r *modelrouter.Reloadable, next *config.Config, zlog *zap.Logger) {
	svc, err := modelrouter.NewService(routerConfig(next), zlog)
	if err != nil {
		zlog.Warn("config reload: router rebuild failed", zap.Error(err))
		return
	}
	r.Swap(svc)
	zlog.Info("provider chains reloaded", zap.Int("overrides", len(next.Router.Chains)))
}
