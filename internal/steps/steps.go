// Package steps implements the eight orchestration roles the
// supervisor routes between. Each step reads a state snapshot, does
// its work, and returns a delta touching only the fields it owns; the
// driver folds deltas into the live state.
package steps

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/graph"
	"github.com/fyrsmithlabs/researchd/internal/modelrouter"
	"github.com/fyrsmithlabs/researchd/internal/research"
	"github.com/fyrsmithlabs/researchd/internal/search"
)

const instrumentationName = "github.com/fyrsmithlabs/researchd/internal/steps"

var (
	meter  = otel.Meter(instrumentationName)
	tracer = otel.Tracer(instrumentationName)
)

// Step is one orchestration role. Execute must treat the state as
// read-only: all writes go through the returned delta. instructions
// carries the supervisor's routing note for prompt context and may be
// empty.
type Step interface {
	Kind() research.StepKind
	Execute(ctx context.Context, state *research.State, instructions string) (*research.Delta, error)
}

// Deps are the shared services steps draw on. Router is required;
// Search is required by the search step, Graph by the graph step.
type Deps struct {
	Router modelrouter.Service
	Search search.Client
	Graph  graph.Store
	Logger *zap.Logger
}

// Config tunes step behavior.
type Config struct {
	// MaxQueriesPerBatch caps queries generated per refinement and
	// drained per search pass.
	MaxQueriesPerBatch int

	// SearchConcurrency bounds the parallel searches in one batch.
	SearchConcurrency int

	// MaxPhases is the hard ceiling the strategist may extend to.
	MaxPhases int

	// MaxPlanPhases caps the initial plan size.
	MaxPlanPhases int

	// MaxTokens is the generation budget per model call; the
	// synthesizer gets double.
	MaxTokens int
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxQueriesPerBatch: 6,
		SearchConcurrency:  4,
		MaxPhases:          5,
		MaxPlanPhases:      4,
		MaxTokens:          4096,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxQueriesPerBatch <= 0 {
		c.MaxQueriesPerBatch = d.MaxQueriesPerBatch
	}
	if c.SearchConcurrency <= 0 {
		c.SearchConcurrency = d.SearchConcurrency
	}
	if c.MaxPhases <= 0 {
		c.MaxPhases = d.MaxPhases
	}
	if c.MaxPlanPhases <= 0 {
		c.MaxPlanPhases = d.MaxPlanPhases
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
}

// Registry holds one instance of every step, keyed by kind.
type Registry struct {
	steps map[research.StepKind]Step
}

// NewRegistry wires all eight steps.
func NewRegistry(cfg *Config, deps Deps) (*Registry, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.applyDefaults()

	if deps.Router == nil {
		return nil, errors.New("model router is required")
	}
	if deps.Search == nil {
		return nil, errors.New("search client is required")
	}
	if deps.Graph == nil {
		return nil, errors.New("graph store is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	metrics := newStepMetrics(deps.Logger)
	base := base{cfg: cfg, deps: deps, metrics: metrics}

	all := []Step{
		&planner{base: base},
		&queryRefiner{base: base},
		&searchAnalyze{base: base},
		&verifier{base: base},
		&riskAssessor{base: base},
		&graphBuilder{base: base},
		&phaseStrategist{base: base},
		&synthesizer{base: base},
	}

	m := make(map[research.StepKind]Step, len(all))
	for _, s := range all {
		m[s.Kind()] = s
	}
	return &Registry{steps: m}, nil
}

// Get returns the step for a kind.
func (r *Registry) Get(kind research.StepKind) (Step, error) {
	s, ok := r.steps[kind]
	if !ok {
		return nil, fmt.Errorf("no step registered for kind %q", kind)
	}
	return s, nil
}

// base carries the shared wiring every step embeds.
type base struct {
	cfg     *Config
	deps    Deps
	metrics *stepMetrics
}

func (b *base) logger() *zap.Logger { return b.deps.Logger }

// startSpan opens the step span and returns a completion callback that
// records the outcome counter.
func (b *base) startSpan(ctx context.Context, kind research.StepKind, jobID string) (context.Context, trace.Span, func(error)) {
	ctx, span := tracer.Start(ctx, "steps."+string(kind),
		trace.WithAttributes(
			attribute.String("job_id", jobID),
			attribute.String("step", string(kind)),
		))
	done := func(err error) {
		outcome := "success"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
		}
		b.metrics.recordExecution(ctx, kind, outcome)
		span.End()
	}
	return ctx, span, done
}

type stepMetrics struct {
	executions metric.Int64Counter
}

func newStepMetrics(logger *zap.Logger) *stepMetrics {
	m := &stepMetrics{}
	var err error
	m.executions, err = meter.Int64Counter(
		"researchd.steps.executions_total",
		metric.WithDescription("Step executions by kind and outcome"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		logger.Warn("failed to create step execution counter", zap.Error(err))
	}
	return m
}

func (m *stepMetrics) recordExecution(ctx context.Context, kind research.StepKind, outcome string) {
	if m.executions == nil {
		return
	}
	m.executions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", string(kind)),
		attribute.String("outcome", outcome),
	))
}

// schemaOnlyExhaustion reports whether a chain exhaustion included at
// least one provider that actually responded (schema failure). Steps
// with a deterministic fallback use it to tell "models are down" from
// "models answered garbage".
func schemaOnlyExhaustion(err error) bool {
	var exhausted *modelrouter.ProviderExhaustedError
	if !errors.As(err, &exhausted) {
		return false
	}
	for _, a := range exhausted.Attempts {
		if a.Kind == modelrouter.FailSchema {
			return true
		}
	}
	return false
}
