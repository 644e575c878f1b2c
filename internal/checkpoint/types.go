package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/researchd/internal/research"
)

// ErrNotFound is returned when a job or sequence has no checkpoint.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is one durable snapshot of a job.
type Checkpoint struct {
	// JobID identifies the job. Seq increases by one per driver
	// iteration and Put rejects anything else.
	JobID string `json:"job_id"`
	Seq   uint64 `json:"seq"`

	// Status is the job status at snapshot time.
	Status research.JobStatus `json:"status"`

	// LastStep is the step whose delta this snapshot includes, empty
	// for the initial snapshot.
	LastStep research.StepKind `json:"last_step,omitempty"`

	TakenAt time.Time `json:"taken_at"`

	// State is the full cumulative state. Nothing lives outside it, so
	// a snapshot alone is enough to resume.
	State *research.State `json:"state"`
}

// Store persists checkpoints partitioned by job.
type Store interface {
	// Put writes the checkpoint and moves the job's latest pointer in
	// the same transaction.
	Put(ctx context.Context, cp *Checkpoint) error

	// Latest returns the most recent checkpoint for the job, or
	// ErrNotFound.
	Latest(ctx context.Context, jobID string) (*Checkpoint, error)

	// Get returns one checkpoint by sequence, or ErrNotFound.
	Get(ctx context.Context, jobID string, seq uint64) (*Checkpoint, error)

	// List returns the retained sequence numbers for a job, ascending.
	List(ctx context.Context, jobID string) ([]uint64, error)

	// Jobs returns every job id with a latest pointer.
	Jobs(ctx context.Context) ([]string, error)

	// DeleteJob removes all checkpoints for a job.
	DeleteJob(ctx context.Context, jobID string) error

	Close() error
}

func validate(cp *Checkpoint) error {
	if cp == nil {
		return errors.New("checkpoint is nil")
	}
	if cp.JobID == "" {
		return errors.New("checkpoint job_id is empty")
	}
	if cp.State == nil {
		return errors.New("checkpoint state is nil")
	}
	return cp.State.Validate()
}
