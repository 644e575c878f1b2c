package graph

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/researchd/internal/graph"

var meter = otel.Meter(instrumentationName)

// graphMetrics is shared by both backends.
type graphMetrics struct {
	upserts   metric.Int64Counter
	conflicts metric.Int64Counter
}

func newGraphMetrics(logger *zap.Logger) *graphMetrics {
	m := &graphMetrics{}
	var err error

	m.upserts, err = meter.Int64Counter(
		"researchd.graph.upserts_total",
		metric.WithDescription("Graph upserts by kind and backend"),
		metric.WithUnit("{upsert}"),
	)
	if err != nil {
		logger.Warn("failed to create upsert counter", zap.Error(err))
	}

	m.conflicts, err = meter.Int64Counter(
		"researchd.graph.conflicts_total",
		metric.WithDescription("Version conflicts observed during merges"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		logger.Warn("failed to create conflict counter", zap.Error(err))
	}

	return m
}

func (m *graphMetrics) recordUpsert(ctx context.Context, backend, kind string) {
	if m.upserts == nil {
		return
	}
	m.upserts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("kind", kind),
	))
}

func (m *graphMetrics) recordConflict(ctx context.Context, backend string) {
	if m.conflicts == nil {
		return
	}
	m.conflicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
	))
}
