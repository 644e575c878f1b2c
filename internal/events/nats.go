package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/researchd/internal/events"

var meter = otel.Meter(instrumentationName)

// NATSEmitter publishes events to research.jobs.{job_id}.{type}. The
// server's SSE bridge and the CLI watcher subscribe to the same
// subjects, so one publish serves every listener.
type NATSEmitter struct {
	nc     *nats.Conn
	logger *zap.Logger

	published metric.Int64Counter
	dropped   metric.Int64Counter
}

// NewNATS wraps an established connection. The emitter does not own
// the connection; callers close it on shutdown.
func NewNATS(nc *nats.Conn, logger *zap.Logger) (*NATSEmitter, error) {
	if nc == nil {
		return nil, errors.New("nats connection required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &NATSEmitter{nc: nc, logger: logger}
	var err error
	e.published, err = meter.Int64Counter(
		"researchd.events.published_total",
		metric.WithDescription("Events published to the bus"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		logger.Warn("failed to create published counter", zap.Error(err))
	}
	e.dropped, err = meter.Int64Counter(
		"researchd.events.dropped_total",
		metric.WithDescription("Events dropped because publish failed"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		logger.Warn("failed to create dropped counter", zap.Error(err))
	}
	return e, nil
}

// Emit publishes the event. Failures are logged and counted, never
// returned; a dead bus must not stall research.
func (e *NATSEmitter) Emit(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		e.record(ctx, e.dropped, ev.Type)
		e.logger.Warn("event marshal failed",
			zap.String("job_id", ev.JobID),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
		return
	}

	if err := e.nc.Publish(Subject(ev.JobID, ev.Type), data); err != nil {
		e.record(ctx, e.dropped, ev.Type)
		e.logger.Warn("event publish failed",
			zap.String("job_id", ev.JobID),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
		return
	}
	e.record(ctx, e.published, ev.Type)
}

func (e *NATSEmitter) record(ctx context.Context, c metric.Int64Counter, t Type) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(t))))
}
