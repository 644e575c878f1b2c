package checkpoint

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
)

const instrumentationName = "github.com/fyrsmithlabs/researchd/internal/checkpoint"

// WriteFailureError means the store kept failing past the grace
// window. The driver pauses the job; the last good checkpoint stands.
type WriteFailureError struct {
	JobID    string
	Seq      uint64
	Attempts int
	Err      error
}

func (e *WriteFailureError) Error() string {
	return fmt.Sprintf("checkpoint write failed for job %s seq %d after %d attempts: %v",
		e.JobID, e.Seq, e.Attempts, e.Err)
}

func (e *WriteFailureError) Unwrap() error { return e.Err }

// ManagerConfig tunes the write retry policy.
type ManagerConfig struct {
	// InitialBackoff is the first retry delay; each retry doubles it
	// up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// GraceWindow bounds total retry time per Save.
	GraceWindow time.Duration
}

// DefaultManagerConfig returns the stock retry policy.
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		GraceWindow:    30 * time.Second,
	}
}

func (c *ManagerConfig) Validate() error {
	if c.InitialBackoff <= 0 {
		return errors.New("initial backoff must be positive")
	}
	if c.MaxBackoff < c.InitialBackoff {
		return errors.New("max backoff below initial backoff")
	}
	if c.GraceWindow <= 0 {
		return errors.New("grace window must be positive")
	}
	return nil
}

// Manager fronts a Store with retrying writes and read passthroughs.
type Manager struct {
	store  Store
	cfg    *ManagerConfig
	logger *zap.Logger

	tracer      trace.Tracer
	meter       metric.Meter
	saveCounter metric.Int64Counter
	failCounter metric.Int64Counter
}

// NewManager wraps a store. A nil config takes defaults.
func NewManager(store Store, cfg *ManagerConfig, logger *zap.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg == nil {
		cfg = DefaultManagerConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	m := &Manager{
		store:  store,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	m.initMetrics()
	return m, nil
}

func (m *Manager) initMetrics() {
	var err error

	m.saveCounter, err = m.meter.Int64Counter(
		"researchd.checkpoint.saves_total",
		metric.WithDescription("Checkpoints saved"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		m.logger.Warn("failed to create save counter", zap.Error(err))
	}

	m.failCounter, err = m.meter.Int64Counter(
		"researchd.checkpoint.write_failures_total",
		metric.WithDescription("Checkpoint writes that exhausted the grace window"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		m.logger.Warn("failed to create failure counter", zap.Error(err))
	}
}

// Save persists the checkpoint, retrying transient failures with
// exponential backoff until the grace window runs out.
func (m *Manager) Save(ctx context.Context, cp *Checkpoint) error {
	ctx, span := m.tracer.Start(ctx, "checkpoint.save")
	defer span.End()
	if cp != nil {
		span.SetAttributes(
			attribute.String("job_id", cp.JobID),
			attribute.Int64("seq", int64(cp.Seq)),
		)
	}

	deadline := time.Now().Add(m.cfg.GraceWindow)
	backoff := m.cfg.InitialBackoff

	var lastErr error
	attempts := 0
	for {
		attempts++
		lastErr = m.store.Put(ctx, cp)
		if lastErr == nil {
			if m.saveCounter != nil {
				m.saveCounter.Add(ctx, 1)
			}
			return nil
		}
		if ctx.Err() != nil {
			span.RecordError(ctx.Err())
			return ctx.Err()
		}
		if time.Now().Add(backoff).After(deadline) {
			break
		}

		m.logger.Warn("checkpoint write failed, retrying",
			zap.String("job_id", cp.JobID),
			zap.Uint64("seq", cp.Seq),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", backoff),
			zap.Error(lastErr))

		select {
		case <-ctx.Done():
			span.RecordError(ctx.Err())
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > m.cfg.MaxBackoff {
			backoff = m.cfg.MaxBackoff
		}
	}

	failure := &WriteFailureError{JobID: cp.JobID, Seq: cp.Seq, Attempts: attempts, Err: lastErr}
	span.RecordError(failure)
	span.SetStatus(codes.Error, "grace window exhausted")
	if m.failCounter != nil {
		m.failCounter.Add(ctx, 1)
	}
	m.logger.Error("checkpoint write grace window exhausted",
		zap.String("job_id", cp.JobID),
		zap.Uint64("seq", cp.Seq),
		zap.Int("attempts", attempts),
		zap.Error(lastErr))
	return failure
}

// Latest returns the newest checkpoint for a job.
func (m *Manager) Latest(ctx context.Context, jobID string) (*Checkpoint, error) {
	return m.store.Latest(ctx, jobID)
}

// Get returns one checkpoint by sequence.
func (m *Manager) Get(ctx context.Context, jobID string, seq uint64) (*Checkpoint, error) {
	return m.store.Get(ctx, jobID, seq)
}

// List returns retained sequences for a job.
func (m *Manager) List(ctx context.Context, jobID string) ([]uint64, error) {
	return m.store.List(ctx, jobID)
}

// Jobs returns all job ids with checkpoints.
func (m *Manager) Jobs(ctx context.Context) ([]string, error) {
	return m.store.Jobs(ctx)
}

// DeleteJob removes a job's checkpoint history.
func (m *Manager) DeleteJob(ctx context.Context, jobID string) error {
	return m.store.DeleteJob(ctx, jobID)
}

// Close closes the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}
