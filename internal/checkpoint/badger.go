package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const (
	cpPrefix     = "cp/"
	latestPrefix = "latest/"
)

// BadgerConfig configures the embedded checkpoint store.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM; used by tests and ephemeral
	// deployments.
	InMemory bool

	// SyncWrites forces fsync per write.
	SyncWrites bool

	// Retention expires checkpoints after this duration.
	Retention time.Duration

	// MaxPerJob caps retained history per job; older sequences are
	// pruned on write. Zero disables the cap.
	MaxPerJob int

	// GCInterval is how often the value log GC runs. Zero disables.
	GCInterval time.Duration
}

// DefaultBadgerConfig returns production defaults: durable writes,
// one week of history, fifty snapshots per job.
func DefaultBadgerConfig() *BadgerConfig {
	return &BadgerConfig{
		SyncWrites: true,
		Retention:  168 * time.Hour,
		MaxPerJob:  50,
		GCInterval: 5 * time.Minute,
	}
}

func (c *BadgerConfig) Validate() error {
	if !c.InMemory && c.Path == "" {
		return errors.New("path required for persistent store")
	}
	if c.Retention <= 0 {
		return errors.New("retention must be positive")
	}
	if c.MaxPerJob < 0 {
		return errors.New("max per job cannot be negative")
	}
	return nil
}

// badgerLogger routes badger's internal logging through zap. Badger is
// chatty at info level, so info maps down to debug.
type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.logger.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.logger.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.logger.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.logger.Debugf(format, args...) }

type badgerStore struct {
	db     *badger.DB
	cfg    *BadgerConfig
	logger *zap.Logger

	gcStop    chan struct{}
	gcDone    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewBadgerStore opens (or creates) the embedded store.
func NewBadgerStore(cfg *BadgerConfig, logger *zap.Logger) (Store, error) {
	if cfg == nil {
		cfg = DefaultBadgerConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	opts = opts.WithLogger(&badgerLogger{logger: logger.Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %q: %w", cfg.Path, err)
	}

	s := &badgerStore{
		db:     db,
		cfg:    cfg,
		logger: logger,
		gcStop: make(chan struct{}),
		gcDone: make(chan struct{}),
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		go s.runGC()
	} else {
		close(s.gcDone)
	}

	return s, nil
}

func cpKey(jobID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", cpPrefix, jobID, seq))
}

func latestKey(jobID string) []byte {
	return []byte(latestPrefix + jobID)
}

func jobPrefix(jobID string) []byte {
	return []byte(cpPrefix + jobID + "/")
}

func (s *badgerStore) Put(ctx context.Context, cp *Checkpoint) error {
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

	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(cpKey(cp.JobID, cp.Seq), data).WithTTL(s.cfg.Retention)
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		// Latest carries the full snapshot so resume needs one read.
		latest := badger.NewEntry(latestKey(cp.JobID), data).WithTTL(s.cfg.Retention)
		if err := txn.SetEntry(latest); err != nil {
			return err
		}
		return s.prune(txn, cp.JobID)
	})
	if err != nil {
		return fmt.Errorf("writing checkpoint %s/%d: %w", cp.JobID, cp.Seq, err)
	}
	return nil
}

// prune drops the oldest sequences past the per-job cap. Runs inside
// the write transaction so a crash cannot observe a half-pruned job.
func (s *badgerStore) prune(txn *badger.Txn, jobID string) error {
	if s.cfg.MaxPerJob <= 0 {
		return nil
	}

	prefix := jobPrefix(jobID)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	if len(keys) <= s.cfg.MaxPerJob {
		return nil
	}
	for _, key := range keys[:len(keys)-s.cfg.MaxPerJob] {
		if err := txn.Delete(key); err != nil {
			return fmt.Errorf("pruning %s: %w", key, err)
		}
	}
	return nil
}

func (s *badgerStore) Latest(ctx context.Context, jobID string) (*Checkpoint, error) {
	return s.read(ctx, latestKey(jobID))
}

func (s *badgerStore) Get(ctx context.Context, jobID string, seq uint64) (*Checkpoint, error) {
	return s.read(ctx, cpKey(jobID, seq))
}

func (s *badgerStore) read(ctx context.Context, key []byte) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var cp Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cp)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint %s: %w", key, err)
	}
	return &cp, nil
}

func (s *badgerStore) List(ctx context.Context, jobID string) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := jobPrefix(jobID)
	var seqs []uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			seq, err := strconv.ParseUint(key[len(prefix):], 10, 64)
			if err != nil {
				return fmt.Errorf("malformed checkpoint key %q: %w", key, err)
			}
			seqs = append(seqs, seq)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return seqs, nil
}

func (s *badgerStore) Jobs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(latestPrefix)
	var jobs []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			jobs = append(jobs, strings.TrimPrefix(string(it.Item().Key()), latestPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *badgerStore) DeleteJob(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		prefix := jobPrefix(jobID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)

		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return txn.Delete(latestKey(jobID))
	})
}

func (s *badgerStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.gcStop)
		<-s.gcDone
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *badgerStore) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger value log GC failed", zap.Error(err))
			}
		}
	}
}
