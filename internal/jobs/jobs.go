// Package jobs is the submission surface: it creates jobs, runs each
// one's driver loop in its own goroutine under a concurrency cap, and
// answers status queries. The in-memory registry is a read cache only;
// checkpoints are the durable record, and Status falls back to them
// for jobs this process never ran.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fyrsmithlabs/researchd/internal/checkpoint"
	"github.com/fyrsmithlabs/researchd/internal/driver"
	"github.com/fyrsmithlabs/researchd/internal/graph"
	"github.com/fyrsmithlabs/researchd/internal/research"
)

const instrumentationName = "github.com/fyrsmithlabs/researchd/internal/jobs"

var meter = otel.Meter(instrumentationName)

var (
	// ErrUnknownJob means no checkpoint exists for the id.
	ErrUnknownJob = errors.New("jobs: unknown job")

	// ErrJobTerminal means the operation needs a live job.
	ErrJobTerminal = errors.New("jobs: job already terminal")

	// ErrJobActive means the operation needs a terminal job.
	ErrJobActive = errors.New("jobs: job still active")

	// ErrNoReport means the job has not synthesized a report yet.
	ErrNoReport = errors.New("jobs: no final report")
)

// Config tunes the service.
type Config struct {
	// MaxConcurrent caps simultaneous driver loops; submissions beyond
	// it queue on the semaphore in submission order.
	MaxConcurrent int
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{MaxConcurrent: 4}
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
}

// View is a point-in-time summary of one job, assembled from the
// latest checkpoint plus the live registry entry when there is one.
type View struct {
	JobID  string                    `json:"job_id"`
	Target research.TargetDescriptor `json:"target"`
	Status research.JobStatus        `json:"status"`

	Phase        int  `json:"phase"`
	MaxPhases    int  `json:"max_phases"`
	Searched     bool `json:"searched"`
	Verified     bool `json:"verified"`
	RiskAssessed bool `json:"risk_assessed"`
	Complete     bool `json:"complete"`

	Facts          int `json:"facts"`
	Entities       int `json:"entities"`
	VerifiedFacts  int `json:"verified_facts"`
	RiskFlags      int `json:"risk_flags"`
	Contradictions int `json:"contradictions"`
	PendingQueries int `json:"pending_queries"`
	Searches       int `json:"searches"`
	GraphNodes     int `json:"graph_nodes"`
	Iterations     int `json:"iterations"`

	HasReport bool   `json:"has_report"`
	Error     string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Deps are the service's collaborators. Driver and Checkpoint are
// required; Graph is optional and only used by Purge.
type Deps struct {
	Driver     *driver.Driver
	Checkpoint *checkpoint.Manager
	Graph      graph.Store
	Logger     *zap.Logger
}

// Service owns the job registry and the driver goroutines.
type Service struct {
	cfg    *Config
	deps   Deps
	logger *zap.Logger

	sem  *semaphore.Weighted
	jobs sync.Map // job id → *handle
	wg   sync.WaitGroup

	submitted metric.Int64Counter
	resumed   metric.Int64Counter
}

// handle is the registry entry for a job this process is tracking.
type handle struct {
	cancel context.CancelFunc

	mu     sync.Mutex
	status research.JobStatus
	err    error
}

func (h *handle) set(status research.JobStatus, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
	h.err = err
}

func (h *handle) current() (research.JobStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.err
}

// New builds the service. A nil config takes defaults.
func New(cfg *Config, deps Deps) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.applyDefaults()

	if deps.Driver == nil {
		return nil, errors.New("driver is required")
	}
	if deps.Checkpoint == nil {
		return nil, errors.New("checkpoint manager is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	s := &Service{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
	s.initMetrics()
	return s, nil
}

func (s *Service) initMetrics() {
	var err error

	s.submitted, err = meter.Int64Counter(
		"researchd.jobs.submitted_total",
		metric.WithDescription("Jobs submitted"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		s.logger.Warn("failed to create submitted counter", zap.Error(err))
	}

	s.resumed, err = meter.Int64Counter(
		"researchd.jobs.resumed_total",
		metric.WithDescription("Jobs resumed from checkpoints at boot"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		s.logger.Warn("failed to create resumed counter", zap.Error(err))
	}
}

// Submit creates a job for the target, persists its initial checkpoint,
// and schedules its driver loop. The returned id is immediately
// queryable through Status.
func (s *Service) Submit(ctx context.Context, target research.TargetDescriptor) (string, error) {
	if strings.TrimSpace(target.Name) == "" {
		return "", errors.New("target name is required")
	}

	id := uuid.NewString()
	state := research.NewState(id, target)
	cp := &checkpoint.Checkpoint{
		JobID:   id,
		Seq:     0,
		Status:  research.JobPending,
		TakenAt: time.Now().UTC(),
		State:   state,
	}
	if err := s.deps.Checkpoint.Save(ctx, cp); err != nil {
		return "", fmt.Errorf("persisting initial checkpoint: %w", err)
	}

	s.logger.Info("job submitted",
		zap.String("job_id", id),
		zap.String("target", target.Name))
	if s.submitted != nil {
		s.submitted.Add(ctx, 1)
	}

	s.start(id, state, 0)
	return id, nil
}

// ResumeAll restarts every job whose latest checkpoint is not
// terminal. Call once at boot, after the stores are up. Returns how
// many jobs were picked back up.
func (s *Service) ResumeAll(ctx context.Context) (int, error) {
	ids, err := s.deps.Checkpoint.Jobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing jobs: %w", err)
	}

	resumed := 0
	for _, id := range ids {
		if _, ok := s.jobs.Load(id); ok {
			continue
		}
		cp, err := s.deps.Checkpoint.Latest(ctx, id)
		if err != nil {
			s.logger.Warn("skipping unreadable job", zap.String("job_id", id), zap.Error(err))
			continue
		}
		if cp.Status.Terminal() {
			continue
		}

		s.logger.Info("resuming job",
			zap.String("job_id", id),
			zap.Uint64("seq", cp.Seq),
			zap.String("status", string(cp.Status)))
		if s.resumed != nil {
			s.resumed.Add(ctx, 1)
		}
		s.start(id, cp.State, cp.Seq)
		resumed++
	}
	return resumed, nil
}

// start registers the handle and launches the driver goroutine. The
// semaphore is acquired inside the goroutine so submission never
// blocks; queued jobs sit in pending until a slot frees.
func (s *Service) start(id string, state *research.State, seq uint64) {
	runCtx, cancel := context.WithCancel(context.Background())
	h := &handle{cancel: cancel, status: research.JobPending}
	s.jobs.Store(id, h)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		if err := s.sem.Acquire(runCtx, 1); err != nil {
			// Cancelled while queued: record it durably so a restart
			// does not resurrect the job.
			s.persistCancelled(id, state, seq)
			h.set(research.JobCancelled, err)
			return
		}
		defer s.sem.Release(1)

		h.set(research.JobRunning, nil)
		status, err := s.deps.Driver.Run(runCtx, state, seq)
		h.set(status, err)

		if err != nil {
			s.logger.Warn("job finished with error",
				zap.String("job_id", id),
				zap.String("status", string(status)),
				zap.Error(err))
			return
		}
		s.logger.Info("job finished",
			zap.String("job_id", id),
			zap.String("status", string(status)))
	}()
}

func (s *Service) persistCancelled(id string, state *research.State, seq uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.deps.Checkpoint.Save(ctx, &checkpoint.Checkpoint{
		JobID:   id,
		Seq:     seq + 1,
		Status:  research.JobCancelled,
		TakenAt: time.Now().UTC(),
		State:   state,
	})
	if err != nil {
		s.logger.Warn("failed to persist queued-job cancellation",
			zap.String("job_id", id), zap.Error(err))
	}
}

// Status summarizes the job. The registry supplies the live status and
// error for jobs running here; everything else comes from the latest
// checkpoint, which also serves jobs from before a restart.
func (s *Service) Status(ctx context.Context, id string) (*View, error) {
	cp, err := s.deps.Checkpoint.Latest(ctx, id)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, ErrUnknownJob
		}
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}

	view := viewFrom(cp)
	if v, ok := s.jobs.Load(id); ok {
		status, herr := v.(*handle).current()
		view.Status = status
		if herr != nil {
			view.Error = herr.Error()
		}
	}
	return view, nil
}

// Report returns the final report, or ErrNoReport while the job is
// still working.
func (s *Service) Report(ctx context.Context, id string) (string, error) {
	cp, err := s.deps.Checkpoint.Latest(ctx, id)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return "", ErrUnknownJob
		}
		return "", fmt.Errorf("loading checkpoint: %w", err)
	}
	if cp.State.FinalReport == "" {
		return "", ErrNoReport
	}
	return cp.State.FinalReport, nil
}

// Cancel stops the job. Jobs running in this process are cancelled
// through their context and persist their own terminal checkpoint;
// dormant jobs (paused, or left over from a previous process) get a
// cancelled checkpoint written directly.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if v, ok := s.jobs.Load(id); ok {
		h := v.(*handle)
		status, _ := h.current()
		if status.Terminal() {
			return ErrJobTerminal
		}
		h.cancel()
		return nil
	}

	cp, err := s.deps.Checkpoint.Latest(ctx, id)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return ErrUnknownJob
		}
		return fmt.Errorf("loading checkpoint: %w", err)
	}
	if cp.Status.Terminal() {
		return ErrJobTerminal
	}
	s.persistCancelled(id, cp.State, cp.Seq)
	s.logger.Info("dormant job cancelled", zap.String("job_id", id))
	return nil
}

// List summarizes every known job, newest first.
func (s *Service) List(ctx context.Context) ([]*View, error) {
	ids, err := s.deps.Checkpoint.Jobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	views := make([]*View, 0, len(ids))
	for _, id := range ids {
		view, err := s.Status(ctx, id)
		if err != nil {
			s.logger.Warn("skipping unreadable job", zap.String("job_id", id), zap.Error(err))
			continue
		}
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].CreatedAt.After(views[j].CreatedAt)
	})
	return views, nil
}

// Purge removes a terminal job entirely: its checkpoint history, its
// graph, and its registry entry.
func (s *Service) Purge(ctx context.Context, id string) error {
	view, err := s.Status(ctx, id)
	if err != nil {
		return err
	}
	if !view.Status.Terminal() {
		return ErrJobActive
	}

	if s.deps.Graph != nil {
		if err := s.deps.Graph.DeleteJob(ctx, id); err != nil {
			return fmt.Errorf("deleting graph: %w", err)
		}
	}
	if err := s.deps.Checkpoint.DeleteJob(ctx, id); err != nil {
		return fmt.Errorf("deleting checkpoints: %w", err)
	}
	s.jobs.Delete(id)
	s.logger.Info("job purged", zap.String("job_id", id))
	return nil
}

// Shutdown cancels every tracked job and waits for their loops to
// finish their terminal writes, or until the context gives up.
func (s *Service) Shutdown(ctx context.Context) error {
	s.jobs.Range(func(_, v any) bool {
		v.(*handle).cancel()
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func viewFrom(cp *checkpoint.Checkpoint) *View {
	st := cp.State
	return &View{
		JobID:  st.JobID,
		Target: st.Target,
		Status: cp.Status,

		Phase:        st.CurrentPhase,
		MaxPhases:    st.MaxPhases,
		Searched:     st.Searched,
		Verified:     st.Verified,
		RiskAssessed: st.RiskAssessed,
		Complete:     st.Complete,

		Facts:          len(st.Facts),
		Entities:       len(st.Entities),
		VerifiedFacts:  len(st.VerifiedFacts),
		RiskFlags:      len(st.RiskFlags),
		Contradictions: len(st.Contradictions),
		PendingQueries: len(st.PendingQueries),
		Searches:       st.SearchesCount,
		GraphNodes:     st.GraphNodesCount,
		Iterations:     st.IterationCount,

		HasReport: st.FinalReport != "",
		CreatedAt: st.CreatedAt,
		UpdatedAt: st.UpdatedAt,
	}
}
