// Package graph persists the entity/relationship graph a job builds
// up. Writes are idempotent: identity is derived from content, so
// re-running a step after a crash lands on the same nodes instead of
// duplicating them.
package graph

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/research"
)

// Relationship is one edge between two named entities. Endpoints are
// referenced by name and type; the store derives their ids.
type Relationship struct {
	Source     string
	SourceType research.EntityType
	Target     string
	TargetType research.EntityType
	Type       research.RelationType
	Attributes map[string]string
	SourceURL  string
}

func (r *Relationship) validate() error {
	if r.Source == "" || r.Target == "" {
		return errors.New("relationship endpoints required")
	}
	if r.Type == "" {
		return errors.New("relationship type required")
	}
	return nil
}

// ConflictError reports a version race that survived every retry.
// Callers re-run the write with a fresh read; the losing update is
// never dropped silently.
type ConflictError struct {
	ID       string
	Attempts int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("graph: write conflict on %s after %d attempts", e.ID, e.Attempts)
}

// Store is the job-partitioned graph sink.
type Store interface {
	// UpsertEntity merges the entity into the job's graph and returns
	// its deterministic id.
	UpsertEntity(ctx context.Context, jobID string, e research.Entity) (string, error)

	// UpsertRelationship merges the edge; both endpoints should be
	// upserted first so the edge payload can carry their ids.
	UpsertRelationship(ctx context.Context, jobID string, r Relationship) (string, error)

	// CountNodes returns the number of entities stored for the job.
	CountNodes(ctx context.Context, jobID string) (int, error)

	// DeleteJob removes the job's entire graph.
	DeleteJob(ctx context.Context, jobID string) error

	Close() error
}

// Config selects and tunes a backend.
type Config struct {
	// Backend is "chromem" (embedded, default) or "qdrant".
	Backend string

	Chromem ChromemConfig
	Qdrant  QdrantConfig

	// Embeddings optionally replaces identity vectors with real ones
	// from an OpenAI-compatible endpoint.
	Embeddings RemoteEmbedderConfig

	// MaxMergeRetries bounds the optimistic read-merge-write loop.
	MaxMergeRetries int
}

// DefaultConfig returns the embedded backend with identity vectors.
func DefaultConfig() *Config {
	return &Config{
		Backend:         "chromem",
		Chromem:         ChromemConfig{Dim: defaultDim},
		Qdrant:          DefaultQdrantConfig(),
		MaxMergeRetries: 3,
	}
}

// NewStore builds the configured backend.
func NewStore(cfg *Config, logger *zap.Logger) (Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxMergeRetries <= 0 {
		cfg.MaxMergeRetries = 3
	}

	var remote EmbeddingFunc
	if cfg.Embeddings.BaseURL != "" {
		var err error
		remote, err = RemoteEmbedding(cfg.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("building remote embedder: %w", err)
		}
		// Collections must be sized by the embedder's output.
		cfg.Chromem.Dim = cfg.Embeddings.Dim
		cfg.Qdrant.Dim = cfg.Embeddings.Dim
	}

	switch cfg.Backend {
	case "", "chromem":
		return newChromemStore(cfg.Chromem, remote, cfg.MaxMergeRetries, logger)
	case "qdrant":
		return newQdrantStore(cfg.Qdrant, remote, cfg.MaxMergeRetries, logger)
	default:
		return nil, fmt.Errorf("unknown graph backend %q", cfg.Backend)
	}
}

// mergeAttrs folds incoming attributes over existing ones. Existing
// keys survive unless the incoming value is non-empty.
func mergeAttrs(existing, incoming map[string]string) map[string]string {
	merged := make(map[string]string, len(existing)+len(incoming))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range incoming {
		if v != "" {
			merged[k] = v
		}
	}
	return merged
}
