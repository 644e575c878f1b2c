// Package server exposes the research job service over HTTP: submit,
// inspect, cancel, and a live SSE feed bridged from the event bus.
package server

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/jobs"
	"github.com/fyrsmithlabs/researchd/internal/logging"
)

// ridPattern mirrors the logging package's request-id rules. Inbound
// X-Request-ID headers are client-controlled, so anything that fails
// the pattern is replaced rather than propagated.
var ridPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// Config holds HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            8420,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server is the HTTP front end. All job semantics live in the jobs
// service; handlers only translate between HTTP and service calls.
type Server struct {
	echo    *echo.Echo
	jobs    *jobs.Service
	nc      *nats.Conn
	logger  *zap.Logger
	config  *Config
	metrics *httpMetrics
}

// NewServer builds the server. The NATS connection is optional: without
// it the SSE endpoint answers 503 and readiness ignores the bus.
func NewServer(jobsSvc *jobs.Service, nc *nats.Conn, logger *zap.Logger, cfg *Config) (*Server, error) {
	if jobsSvc == nil {
		return nil, fmt.Errorf("jobs service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		jobs:    jobsSvc,
		nc:      nc,
		logger:  logger,
		config:  cfg,
		metrics: newHTTPMetrics(logger),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestContext())
	e.Use(s.metrics.middleware())
	e.Use(s.requestLogger())

	s.registerRoutes()
	return s, nil
}

// requestContext copies the request id assigned by the RequestID
// middleware into the request context so downstream log calls carry it.
func (s *Server) requestContext() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Response().Header().Get(echo.HeaderXRequestID)
			if ridPattern.MatchString(rid) {
				req := c.Request()
				c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), rid)))
			}
			return next(c)
		}
	}
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			s.logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/readyz", s.handleReady)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/research", s.handleSubmit)
	v1.GET("/research", s.handleList)
	v1.GET("/research/:id", s.handleStatus)
	v1.GET("/research/:id/report", s.handleReport)
	v1.GET("/research/:id/events", s.handleEvents)
	v1.DELETE("/research/:id", s.handleDelete)
}

// Start runs the server and blocks until the context is cancelled or
// the listener fails. Cancellation triggers a graceful shutdown bounded
// by the configured timeout; the clean-exit return is
// http.ErrServerClosed, matching net/http.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		s.logger.Info("shutting down http server")
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Echo returns the underlying Echo instance for registering additional
// routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
