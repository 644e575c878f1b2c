package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// memoryStore keeps checkpoints in RAM. It mirrors the badger store's
// semantics, including the per-job cap, and deep-copies on both sides
// so callers cannot alias stored state.
type memoryStore struct {
	mu        sync.RWMutex
	byJob     map[string]map[uint64][]byte
	latest    map[string][]byte
	maxPerJob int
}

// NewMemoryStore returns an ephemeral store for tests and dev runs.
func NewMemoryStore(maxPerJob int) Store {
	return &memoryStore{
		byJob:     make(map[string]map[uint64][]byte),
		latest:    make(map[string][]byte),
		maxPerJob: maxPerJob,
	}
}

func (s *memoryStore) Put(ctx context.Context, cp *Checkpoint) error {
	if err := validate(cp); err != nil {
		return fmt.Errorf("invalid checkpoint: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seqs, ok := s.byJob[cp.JobID]
	if !ok {
		seqs = make(map[uint64][]byte)
		s.byJob[cp.JobID] = seqs
	}
	seqs[cp.Seq] = data
	s.latest[cp.JobID] = data

	if s.maxPerJob > 0 && len(seqs) > s.maxPerJob {
		ordered := make([]uint64, 0, len(seqs))
		for seq := range seqs {
			ordered = append(ordered, seq)
		}
		sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
		for _, seq := range ordered[:len(ordered)-s.maxPerJob] {
			delete(seqs, seq)
		}
	}
	return nil
}

func (s *memoryStore) Latest(ctx context.Context, jobID string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	data, ok := s.latest[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decode(data)
}

func (s *memoryStore) Get(ctx context.Context, jobID string, seq uint64) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	data, ok := s.byJob[jobID][seq]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decode(data)
}

func (s *memoryStore) List(ctx context.Context, jobID string) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	seqs := make([]uint64, 0, len(s.byJob[jobID]))
	for seq := range s.byJob[jobID] {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

func (s *memoryStore) Jobs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]string, 0, len(s.latest))
	for jobID := range s.latest {
		jobs = append(jobs, jobID)
	}
	sort.Strings(jobs)
	return jobs, nil
}

func (s *memoryStore) DeleteJob(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byJob, jobID)
	delete(s.latest, jobID)
	return nil
}

func (s *memoryStore) Close() error { return nil }

func decode(data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decoding checkpoint: %w", err)
	}
	return &cp, nil
}
