// Package driver runs one research job to its terminal status: a loop
// of supervisor decision, step execution, delta merge, checkpoint
// write, and event emission. The loop owns the live state; steps only
// ever see clones and hand changes back as deltas.
package driver

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

	"github.com/fyrsmithlabs/researchd/internal/checkpoint"
	"github.com/fyrsmithlabs/researchd/internal/events"
	"github.com/fyrsmithlabs/researchd/internal/phase"
	"github.com/fyrsmithlabs/researchd/internal/research"
	"github.com/fyrsmithlabs/researchd/internal/steps"
	"github.com/fyrsmithlabs/researchd/internal/supervisor"
)

const instrumentationName = "github.com/fyrsmithlabs/researchd/internal/driver"

// terminalSaveTimeout bounds the checkpoint write that records a
// terminal status. That write runs on a fresh context, so a cancelled
// job can still persist that it was cancelled.
const terminalSaveTimeout = 10 * time.Second

var (
	meter  = otel.Meter(instrumentationName)
	tracer = otel.Tracer(instrumentationName)
)

// IterationBudgetError means the loop hit its pass budget before the
// supervisor reached FINISH. It is the backstop against routing bugs
// and steps that fail to advance state; partial findings stay
// checkpointed.
type IterationBudgetError struct {
	JobID      string
	Iterations int
}

func (e *IterationBudgetError) Error() string {
	return fmt.Sprintf("job %s exceeded iteration budget after %d passes", e.JobID, e.Iterations)
}

// Config tunes the loop.
type Config struct {
	// MaxIterations bounds supervisor passes per job. The count lives
	// in the state, so a resumed job continues its budget rather than
	// getting a fresh one.
	MaxIterations int

	// StepTimeout bounds one step execution.
	StepTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxIterations: 150,
		StepTimeout:   10 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = d.StepTimeout
	}
}

// StepSource resolves a step kind to its implementation. *steps.Registry
// is the production source; tests substitute stubs.
type StepSource interface {
	Get(kind research.StepKind) (steps.Step, error)
}

// Deps are the driver's collaborators. Steps and Checkpoint are
// required; a nil Emitter means no events, a nil Logger means silence.
type Deps struct {
	Steps      StepSource
	Checkpoint *checkpoint.Manager
	Emitter    events.Emitter
	Logger     *zap.Logger
}

// Driver executes jobs. One Driver serves many jobs concurrently; each
// Run call is strictly sequential for its own job.
type Driver struct {
	cfg    *Config
	deps   Deps
	logger *zap.Logger

	iterations metric.Int64Counter
	jobs       metric.Int64Counter
}

// New builds a driver. A nil config takes defaults.
func New(cfg *Config, deps Deps) (*Driver, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.applyDefaults()

	if deps.Steps == nil {
		return nil, errors.New("step source is required")
	}
	if deps.Checkpoint == nil {
		return nil, errors.New("checkpoint manager is required")
	}
	if deps.Emitter == nil {
		deps.Emitter = events.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	d := &Driver{cfg: cfg, deps: deps, logger: deps.Logger}
	d.initMetrics()
	return d, nil
}

func (d *Driver) initMetrics() {
	var err error

	d.iterations, err = meter.Int64Counter(
		"researchd.driver.iterations_total",
		metric.WithDescription("Driver loop passes by routed step"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		d.logger.Warn("failed to create iteration counter", zap.Error(err))
	}

	d.jobs, err = meter.Int64Counter(
		"researchd.driver.jobs_total",
		metric.WithDescription("Driver runs finished by terminal status"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		d.logger.Warn("failed to create job counter", zap.Error(err))
	}
}

// Run drives the job until a terminal status. seq is the sequence of
// the checkpoint the state was loaded from, zero for a fresh job; each
// iteration persists seq+1. Run owns the state for its duration;
// callers read outcomes from the checkpoint store, not the pointer
// they passed in.
//
// A checkpoint write that exhausts its grace window pauses the job:
// Run returns JobPaused and the last good checkpoint stands, so a
// later resume replays the interrupted iteration.
func (d *Driver) Run(ctx context.Context, state *research.State, seq uint64) (status research.JobStatus, err error) {
	ctx, span := tracer.Start(ctx, "driver.run",
		trace.WithAttributes(attribute.String("job_id", state.JobID)))
	defer func() {
		span.SetAttributes(attribute.String("status", string(status)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(status))
		}
		d.recordJob(ctx, status)
		span.End()
	}()

	log := d.logger.With(zap.String("job_id", state.JobID))
	log.Info("driver started",
		zap.String("target", state.Target.Name),
		zap.Int("iteration", state.IterationCount),
		zap.Uint64("seq", seq))
	d.emit(ctx, state, events.Event{Type: events.TypeStarted, Status: research.JobRunning})

	for {
		if ctx.Err() != nil {
			return d.finish(state, seq, research.JobCancelled, "", ctx.Err())
		}

		if state.IterationCount >= d.cfg.MaxIterations {
			budget := &IterationBudgetError{JobID: state.JobID, Iterations: state.IterationCount}
			log.Error("iteration budget exceeded", zap.Int("iterations", state.IterationCount))
			return d.finish(state, seq, research.JobFailed, "", budget)
		}
		state.IterationCount++

		decision, derr := supervisor.Decide(state)
		if derr != nil {
			log.Error("routing invariant violated", zap.Error(derr))
			return d.finish(state, seq, research.JobError, "", derr)
		}
		d.recordIteration(ctx, decision.Next)

		if decision.Next == research.StepFinish {
			log.Info("research finished",
				zap.Int("iterations", state.IterationCount),
				zap.Int("facts", len(state.Facts)),
				zap.Int("verified", len(state.VerifiedFacts)),
				zap.Int("risk_flags", len(state.RiskFlags)))
			return d.finish(state, seq, research.JobCompleted, "", nil)
		}

		if decision.AdvancePhase {
			if _, aerr := phase.Advance(state); aerr != nil {
				// Routing said advance but the controller refused:
				// the two disagree about the state machine.
				log.Error("phase advance refused", zap.Error(aerr))
				return d.finish(state, seq, research.JobError, decision.Next, aerr)
			}
			log.Info("phase advanced", zap.String("position", phase.Describe(state)))
			d.emit(ctx, state, events.Event{
				Type:    events.TypePhaseAdvanced,
				Status:  research.JobRunning,
				Message: phase.Describe(state),
			})
		}

		step, gerr := d.deps.Steps.Get(decision.Next)
		if gerr != nil {
			return d.finish(state, seq, research.JobError, decision.Next, gerr)
		}

		log.Info("step starting",
			zap.String("step", string(decision.Next)),
			zap.Int("rule", decision.Rule),
			zap.String("reason", decision.Reason),
			zap.Int("iteration", state.IterationCount))
		d.emit(ctx, state, events.Event{
			Type:    events.TypeStepStarted,
			Step:    decision.Next,
			Status:  research.JobRunning,
			Message: decision.Reason,
		})

		instructions := supervisor.Instructions(state, decision.Next)
		stepCtx, cancel := context.WithTimeout(ctx, d.cfg.StepTimeout)
		delta, stepErr := step.Execute(stepCtx, state.Clone(), instructions)
		cancel()
		if stepErr != nil {
			if ctx.Err() != nil {
				return d.finish(state, seq, research.JobCancelled, decision.Next, ctx.Err())
			}
			log.Error("step failed",
				zap.String("step", string(decision.Next)),
				zap.Error(stepErr))
			d.emit(ctx, state, events.Event{
				Type:    events.TypeStepFailed,
				Step:    decision.Next,
				Status:  research.JobFailed,
				Message: stepErr.Error(),
			})
			return d.finish(state, seq, research.JobFailed, decision.Next,
				fmt.Errorf("step %s: %w", decision.Next, stepErr))
		}

		// Apply to a clone and swap, so a rejected delta leaves the
		// last checkpointed state intact.
		merged := state.Clone()
		if merr := merged.Apply(delta); merr != nil {
			log.Error("delta rejected",
				zap.String("step", string(decision.Next)),
				zap.Error(merr))
			return d.finish(state, seq, research.JobError, decision.Next,
				fmt.Errorf("merging %s delta: %w", decision.Next, merr))
		}
		state = merged

		// Completion is the controller's call, made once the graph
		// build lands the phase's findings.
		if decision.Next == research.StepGraphBuilder {
			if cerr := phase.MarkComplete(state); cerr != nil {
				return d.finish(state, seq, research.JobError, decision.Next, cerr)
			}
		}

		next := seq + 1
		cp := &checkpoint.Checkpoint{
			JobID:    state.JobID,
			Seq:      next,
			Status:   research.JobRunning,
			LastStep: decision.Next,
			TakenAt:  time.Now().UTC(),
			State:    state,
		}
		if serr := d.deps.Checkpoint.Save(ctx, cp); serr != nil {
			var writeFailure *checkpoint.WriteFailureError
			if errors.As(serr, &writeFailure) {
				log.Error("pausing job, checkpoint writes failing",
					zap.Uint64("seq", next),
					zap.Error(serr))
				d.emit(ctx, state, events.Event{
					Type:    events.TypeLog,
					Status:  research.JobPaused,
					Message: "checkpoint writes failing, job paused",
				})
				return research.JobPaused, serr
			}
			// The context died inside the save; record the
			// cancellation against the last durable sequence.
			return d.finish(state, seq, research.JobCancelled, decision.Next, serr)
		}
		seq = next

		d.emit(ctx, state, events.Event{
			Type:    events.TypeStepCompleted,
			Step:    decision.Next,
			Status:  research.JobRunning,
			Metrics: snapshotMetrics(state),
		})
	}
}

// finish persists the terminal checkpoint and emits the terminal
// event. The write is best effort: if it fails, the previous
// checkpoint plus the pure supervisor reproduce the same outcome on
// resume, so the failure costs a replayed iteration and nothing else.
func (d *Driver) finish(state *research.State, seq uint64, status research.JobStatus, lastStep research.StepKind, cause error) (research.JobStatus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), terminalSaveTimeout)
	defer cancel()

	cp := &checkpoint.Checkpoint{
		JobID:    state.JobID,
		Seq:      seq + 1,
		Status:   status,
		LastStep: lastStep,
		TakenAt:  time.Now().UTC(),
		State:    state,
	}
	if err := d.deps.Checkpoint.Save(ctx, cp); err != nil {
		d.logger.Warn("terminal checkpoint write failed",
			zap.String("job_id", state.JobID),
			zap.String("status", string(status)),
			zap.Error(err))
	}

	ev := events.Event{Status: status, Metrics: snapshotMetrics(state)}
	switch status {
	case research.JobCompleted:
		ev.Type = events.TypeCompleted
	case research.JobCancelled:
		ev.Type = events.TypeCancelled
	default:
		ev.Type = events.TypeFailed
	}
	if cause != nil {
		ev.Message = cause.Error()
	}
	d.emit(ctx, state, ev)

	return status, cause
}

func (d *Driver) emit(ctx context.Context, state *research.State, ev events.Event) {
	ev.JobID = state.JobID
	ev.Iteration = state.IterationCount
	ev.Phase = state.CurrentPhase
	d.deps.Emitter.Emit(ctx, ev)
}

// snapshotMetrics summarizes the accumulators for step events.
func snapshotMetrics(s *research.State) map[string]int {
	return map[string]int{
		"facts":       len(s.Facts),
		"entities":    len(s.Entities),
		"verified":    len(s.VerifiedFacts),
		"risk_flags":  len(s.RiskFlags),
		"pending":     len(s.PendingQueries),
		"searches":    s.SearchesCount,
		"graph_nodes": s.GraphNodesCount,
	}
}

func (d *Driver) recordIteration(ctx context.Context, next research.StepKind) {
	if d.iterations == nil {
		return
	}
	d.iterations.Add(ctx, 1, metric.WithAttributes(attribute.String("step", string(next))))
}

func (d *Driver) recordJob(ctx context.Context, status research.JobStatus) {
	if d.jobs == nil {
		return
	}
	d.jobs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}
