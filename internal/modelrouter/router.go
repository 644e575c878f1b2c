// Package modelrouter resolves a step to its provider chain and runs
// generations with per-attempt timeouts and ordered fallback. Every
// failure kind (timeout, rate limit, provider error, unparseable
// output) moves to the next provider; only a fully exhausted chain
// surfaces to the caller.
package modelrouter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/research"
)

const instrumentationName = "github.com/fyrsmithlabs/researchd/internal/modelrouter"

// Service invokes models on behalf of steps.
type Service interface {
	// Invoke runs the request through the chain configured for the
	// step. When parse is non-nil the response must satisfy it before
	// the attempt counts as a success.
	Invoke(ctx context.Context, step research.StepKind, req *Request, parse ParseFunc) (*Result, error)

	// Usage returns accumulated per-model accounting.
	Usage() map[string]ModelUsage
}

// Config configures the gateway-backed router.
type Config struct {
	// BaseURL is the OpenAI-compatible gateway endpoint.
	BaseURL string

	// APIKey authenticates against the gateway.
	APIKey string

	// AttemptTimeout bounds each single provider attempt.
	AttemptTimeout time.Duration

	// Chains overrides DefaultChains when non-nil.
	Chains Chains
}

// DefaultConfig returns gateway defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:        "https://openrouter.ai/api/v1",
		AttemptTimeout: 90 * time.Second,
	}
}

func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base URL required")
	}
	if c.APIKey == "" {
		return errors.New("API key required")
	}
	if c.AttemptTimeout <= 0 {
		return errors.New("attempt timeout must be positive")
	}
	return c.Chains.Validate()
}

// service implements Service.
type service struct {
	chains         map[research.StepKind][]Provider
	attemptTimeout time.Duration
	usage          *usageLog
	logger         *zap.Logger

	tracer           trace.Tracer
	meter            metric.Meter
	attemptCounter   metric.Int64Counter
	tokenCounter     metric.Int64Counter
	exhaustedCounter metric.Int64Counter
}

// NewService builds a router whose providers all sit behind one
// OpenAI-compatible gateway.
func NewService(cfg *Config, logger *zap.Logger) (Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Chains == nil {
		cfg.Chains = DefaultChains()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	client := newGatewayClient(cfg.BaseURL, cfg.APIKey)
	providers := make(map[string]Provider)
	chains := make(map[research.StepKind][]Provider, len(cfg.Chains))
	for step, slugs := range cfg.Chains {
		for _, slug := range slugs {
			p, ok := providers[slug]
			if !ok {
				p = &gatewayProvider{slug: slug, client: client}
				providers[slug] = p
			}
			chains[step] = append(chains[step], p)
		}
	}

	return newService(chains, cfg.AttemptTimeout, logger), nil
}

// NewWithProviders builds a router from pre-constructed providers.
// Tests and custom deployments use this path.
func NewWithProviders(chains map[research.StepKind][]Provider, attemptTimeout time.Duration, logger *zap.Logger) Service {
	if attemptTimeout <= 0 {
		attemptTimeout = DefaultConfig().AttemptTimeout
	}
	return newService(chains, attemptTimeout, logger)
}

func newService(chains map[research.StepKind][]Provider, attemptTimeout time.Duration, logger *zap.Logger) *service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &service{
		chains:         chains,
		attemptTimeout: attemptTimeout,
		usage:          newUsageLog(),
		logger:         logger,
		tracer:         otel.Tracer(instrumentationName),
		meter:          otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s
}

func (s *service) initMetrics() {
	var err error

	s.attemptCounter, err = s.meter.Int64Counter(
		"researchd.modelrouter.attempts_total",
		metric.WithDescription("Provider attempts by model and outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		s.logger.Warn("failed to create attempt counter", zap.Error(err))
	}

	s.tokenCounter, err = s.meter.Int64Counter(
		"researchd.modelrouter.tokens_total",
		metric.WithDescription("Tokens consumed by model and direction"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		s.logger.Warn("failed to create token counter", zap.Error(err))
	}

	s.exhaustedCounter, err = s.meter.Int64Counter(
		"researchd.modelrouter.exhausted_total",
		metric.WithDescription("Chains exhausted without a usable response"),
		metric.WithUnit("{chain}"),
	)
	if err != nil {
		s.logger.Warn("failed to create exhausted counter", zap.Error(err))
	}
}

func (s *service) Usage() map[string]ModelUsage {
	return s.usage.snapshot()
}

// Invoke walks the chain for the step. Parent-context cancellation
// aborts immediately; everything else is absorbed into the attempt
// list until a provider produces output that parses.
func (s *service) Invoke(ctx context.Context, step research.StepKind, req *Request, parse ParseFunc) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "modelrouter.invoke",
		trace.WithAttributes(attribute.String("step", string(step))))
	defer span.End()

	providers := s.chains[step]
	if len(providers) == 0 {
		err := fmt.Errorf("modelrouter: no provider chain for step %s", step)
		span.RecordError(err)
		span.SetStatus(codes.Error, "no chain")
		return nil, err
	}

	attempts := make([]Attempt, 0, len(providers))
	for _, p := range providers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
		resp, err := p.Generate(attemptCtx, req)
		cancel()
		elapsed := time.Since(start)

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			kind := classify(err)
			attempts = append(attempts, Attempt{Model: p.Name(), Kind: kind, Err: err.Error(), Elapsed: elapsed})
			s.recordAttempt(ctx, p.Name(), string(kind))
			s.usage.recordFailure(p.Name())
			s.logger.Warn("model attempt failed",
				zap.String("step", string(step)),
				zap.String("model", p.Name()),
				zap.String("kind", string(kind)),
				zap.Duration("elapsed", elapsed),
				zap.Error(err))
			continue
		}

		s.usage.recordSuccess(p.Name(), resp.Usage)
		s.recordTokens(ctx, p.Name(), resp.Usage)

		if parse != nil {
			if perr := parse(resp.Text); perr != nil {
				attempts = append(attempts, Attempt{Model: p.Name(), Kind: FailSchema, Err: perr.Error(), Elapsed: elapsed})
				s.recordAttempt(ctx, p.Name(), string(FailSchema))
				s.logger.Warn("model output failed validation",
					zap.String("step", string(step)),
					zap.String("model", p.Name()),
					zap.Error(perr))
				continue
			}
		}

		s.recordAttempt(ctx, p.Name(), "success")
		s.logger.Debug("model attempt succeeded",
			zap.String("step", string(step)),
			zap.String("model", p.Name()),
			zap.Int("prompt_tokens", resp.Usage.PromptTokens),
			zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			zap.Duration("elapsed", elapsed))

		return &Result{
			Text:     resp.Text,
			Model:    p.Name(),
			Usage:    resp.Usage,
			Attempts: attempts,
		}, nil
	}

	exhausted := &ProviderExhaustedError{Step: step, Attempts: attempts}
	span.RecordError(exhausted)
	span.SetStatus(codes.Error, "chain exhausted")
	if s.exhaustedCounter != nil {
		s.exhaustedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("step", string(step)),
		))
	}
	s.logger.Error("provider chain exhausted",
		zap.String("step", string(step)),
		zap.Int("attempts", len(attempts)))
	return nil, exhausted
}

func (s *service) recordAttempt(ctx context.Context, model, outcome string) {
	if s.attemptCounter == nil {
		return
	}
	s.attemptCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("outcome", outcome),
	))
}

func (s *service) recordTokens(ctx context.Context, model string, u Usage) {
	if s.tokenCounter == nil {
		return
	}
	s.tokenCounter.Add(ctx, int64(u.PromptTokens), metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("direction", "prompt"),
	))
	s.tokenCounter.Add(ctx, int64(u.CompletionTokens), metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("direction", "completion"),
	))
}
