package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/research"
)

func snapshot(jobID string, seq uint64) *Checkpoint {
	state := research.NewState(jobID, research.TargetDescriptor{Name: "Jane Roe"})
	state.IterationCount = int(seq)
	return &Checkpoint{
		JobID:   jobID,
		Seq:     seq,
		Status:  research.JobRunning,
		TakenAt: time.Now().UTC(),
		State:   state,
	}
}

func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	t.Run("put and read back", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()

		for seq := uint64(1); seq <= 3; seq++ {
			require.NoError(t, s.Put(ctx, snapshot("job-1", seq)))
		}

		latest, err := s.Latest(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, uint64(3), latest.Seq)
		assert.Equal(t, 3, latest.State.IterationCount)
		assert.Equal(t, research.JobRunning, latest.Status)

		cp, err := s.Get(ctx, "job-1", 2)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), cp.Seq)

		seqs, err := s.List(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, []uint64{1, 2, 3}, seqs)
	})

	t.Run("missing job", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()

		_, err := s.Latest(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.Get(ctx, "nope", 1)
		assert.ErrorIs(t, err, ErrNotFound)

		seqs, err := s.List(ctx, "nope")
		require.NoError(t, err)
		assert.Empty(t, seqs)
	})

	t.Run("per-job cap prunes oldest", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()

		for seq := uint64(1); seq <= 5; seq++ {
			require.NoError(t, s.Put(ctx, snapshot("job-1", seq)))
		}

		seqs, err := s.List(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, []uint64{3, 4, 5}, seqs)

		_, err = s.Get(ctx, "job-1", 1)
		assert.ErrorIs(t, err, ErrNotFound)

		latest, err := s.Latest(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, uint64(5), latest.Seq)
	})

	t.Run("jobs are partitioned", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, snapshot("job-a", 1)))
		require.NoError(t, s.Put(ctx, snapshot("job-b", 1)))
		require.NoError(t, s.Put(ctx, snapshot("job-b", 2)))

		jobs, err := s.Jobs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"job-a", "job-b"}, jobs)

		latest, err := s.Latest(ctx, "job-a")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), latest.Seq)
	})

	t.Run("delete job", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, snapshot("job-1", 1)))
		require.NoError(t, s.Put(ctx, snapshot("job-2", 1)))
		require.NoError(t, s.DeleteJob(ctx, "job-1"))

		_, err := s.Latest(ctx, "job-1")
		assert.ErrorIs(t, err, ErrNotFound)

		seqs, err := s.List(ctx, "job-1")
		require.NoError(t, err)
		assert.Empty(t, seqs)

		jobs, err := s.Jobs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"job-2"}, jobs)
	})

	t.Run("rejects invalid checkpoints", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()

		assert.Error(t, s.Put(ctx, nil))
		assert.Error(t, s.Put(ctx, &Checkpoint{JobID: "job-1"}))

		cp := snapshot("job-1", 1)
		cp.State.JobID = ""
		assert.Error(t, s.Put(ctx, cp))
	})

	t.Run("stored state is isolated", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()

		cp := snapshot("job-1", 1)
		cp.State.PendingQueries = []string{"q1"}
		require.NoError(t, s.Put(ctx, cp))

		cp.State.PendingQueries[0] = "mutated"

		got, err := s.Latest(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"q1"}, got.State.PendingQueries)
	})
}

func TestBadgerStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		cfg := &BadgerConfig{InMemory: true, Retention: time.Hour, MaxPerJob: 3}
		s, err := NewBadgerStore(cfg, zap.NewNop())
		require.NoError(t, err)
		return s
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemoryStore(3)
	})
}

func TestBadgerStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := &BadgerConfig{Path: dir, Retention: time.Hour, MaxPerJob: 10}

	s, err := NewBadgerStore(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, snapshot("job-1", 7)))
	require.NoError(t, s.Close())

	s, err = NewBadgerStore(cfg, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	latest, err := s.Latest(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), latest.Seq)
	assert.Equal(t, 7, latest.State.IterationCount)
}

func TestBadgerConfigValidate(t *testing.T) {
	cfg := &BadgerConfig{Retention: time.Hour}
	assert.Error(t, cfg.Validate(), "persistent store needs a path")

	cfg.InMemory = true
	assert.NoError(t, cfg.Validate())

	cfg.Retention = 0
	assert.Error(t, cfg.Validate())
}
