package graph

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/research"
)

// ChromemConfig configures the embedded backend.
type ChromemConfig struct {
	// Path persists the graph on disk; empty keeps it in memory.
	Path     string
	Compress bool

	// Dim is the identity-vector dimension.
	Dim int
}

// chromemStore keeps one collection pair per job: entities and
// relationships. Node counting is then just the entity collection's
// document count.
type chromemStore struct {
	db         *chromem.DB
	vectors    *vectorSource
	maxRetries int
	logger     *zap.Logger
	tracer     trace.Tracer
	metrics    *graphMetrics

	// mu serializes read-merge-write cycles; chromem has no CAS.
	mu sync.Mutex
}

func newChromemStore(cfg ChromemConfig, remote EmbeddingFunc, maxRetries int, logger *zap.Logger) (*chromemStore, error) {
	var db *chromem.DB
	var err error
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("opening chromem at %q: %w", cfg.Path, err)
		}
	}

	return &chromemStore{
		db:         db,
		vectors:    newVectorSource(remote, cfg.Dim),
		maxRetries: maxRetries,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
		metrics:    newGraphMetrics(logger),
	}, nil
}

func entityCollection(jobID string) string       { return "res-" + jobID + "-entities" }
func relationshipCollection(jobID string) string { return "res-" + jobID + "-relationships" }

func (s *chromemStore) embedFunc() chromem.EmbeddingFunc {
	return chromem.EmbeddingFunc(s.vectors.textEmbedding())
}

func (s *chromemStore) UpsertEntity(ctx context.Context, jobID string, e research.Entity) (string, error) {
	ctx, span := s.tracer.Start(ctx, "graph.upsert_entity",
		trace.WithAttributes(
			attribute.String("job_id", jobID),
			attribute.String("entity_type", string(e.Type)),
		))
	defer span.End()

	if e.Name == "" {
		return "", fmt.Errorf("entity name required")
	}

	col, err := s.db.GetOrCreateCollection(entityCollection(jobID), nil, s.embedFunc())
	if err != nil {
		return "", fmt.Errorf("opening entity collection: %w", err)
	}

	id := EntityID(jobID, e.Type, e.Name)
	meta := map[string]string{
		"job_id":    jobID,
		"kind":      "entity",
		"type":      string(e.Type),
		"name":      e.Name,
		"norm_name": NormalizeName(e.Name),
	}
	if e.SourceURL != "" {
		meta["source_url"] = e.SourceURL
	}

	if err := s.merge(ctx, col, id, meta, e.Attributes, entityContent(e)); err != nil {
		return "", err
	}
	s.metrics.recordUpsert(ctx, "chromem", "entity")
	return id, nil
}

func (s *chromemStore) UpsertRelationship(ctx context.Context, jobID string, r Relationship) (string, error) {
	ctx, span := s.tracer.Start(ctx, "graph.upsert_relationship",
		trace.WithAttributes(
			attribute.String("job_id", jobID),
			attribute.String("relation_type", string(r.Type)),
		))
	defer span.End()

	if err := r.validate(); err != nil {
		return "", err
	}

	col, err := s.db.GetOrCreateCollection(relationshipCollection(jobID), nil, s.embedFunc())
	if err != nil {
		return "", fmt.Errorf("opening relationship collection: %w", err)
	}

	srcID := EntityID(jobID, r.SourceType, r.Source)
	dstID := EntityID(jobID, r.TargetType, r.Target)
	id := RelationshipID(jobID, srcID, dstID, r.Type)
	meta := map[string]string{
		"job_id": jobID,
		"kind":   "relationship",
		"type":   string(r.Type),
		"src_id": srcID,
		"dst_id": dstID,
		"src":    r.Source,
		"dst":    r.Target,
	}
	if r.SourceURL != "" {
		meta["source_url"] = r.SourceURL
	}

	content := fmt.Sprintf("%s %s %s", r.Source, r.Type, r.Target)
	if err := s.merge(ctx, col, id, meta, r.Attributes, content); err != nil {
		return "", err
	}
	s.metrics.recordUpsert(ctx, "chromem", "relationship")
	return id, nil
}

// merge runs the optimistic read-merge-write loop. The mutex makes it
// exact in-process; the version check still guards a shared directory.
func (s *chromemStore) merge(ctx context.Context, col *chromem.Collection, id string, meta, attrs map[string]string, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		version := 0
		existing := map[string]string{}
		if doc, err := col.GetByID(ctx, id); err == nil {
			version, _ = strconv.Atoi(doc.Metadata["version"])
			existing = attrsFromMeta(doc.Metadata)
		}

		merged := mergeAttrs(existing, attrs)
		next := version + 1

		docMeta := make(map[string]string, len(meta)+len(merged)+1)
		for k, v := range meta {
			docMeta[k] = v
		}
		for k, v := range merged {
			docMeta["attr."+k] = v
		}
		docMeta["version"] = strconv.Itoa(next)

		embedding, err := s.vectors.vector(ctx, id, content)
		if err != nil {
			return fmt.Errorf("computing vector for %s: %w", id, err)
		}

		doc := chromem.Document{
			ID:        id,
			Metadata:  docMeta,
			Embedding: embedding,
			Content:   content,
		}
		if err := col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
			return fmt.Errorf("writing document %s: %w", id, err)
		}

		back, err := col.GetByID(ctx, id)
		if err == nil && back.Metadata["version"] == docMeta["version"] {
			return nil
		}

		s.metrics.recordConflict(ctx, "chromem")
		s.logger.Warn("graph merge raced, retrying with latest read",
			zap.String("id", id),
			zap.Int("attempt", attempt+1))
	}

	return &ConflictError{ID: id, Attempts: s.maxRetries}
}

func (s *chromemStore) CountNodes(ctx context.Context, jobID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	col := s.db.GetCollection(entityCollection(jobID), s.embedFunc())
	if col == nil {
		return 0, nil
	}
	return col.Count(), nil
}

func (s *chromemStore) DeleteJob(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, name := range []string{entityCollection(jobID), relationshipCollection(jobID)} {
		if s.db.GetCollection(name, s.embedFunc()) == nil {
			continue
		}
		if err := s.db.DeleteCollection(name); err != nil {
			return fmt.Errorf("deleting collection %s: %w", name, err)
		}
	}
	return nil
}

func (s *chromemStore) Close() error { return nil }

// attrsFromMeta recovers merged attributes from a stored document.
func attrsFromMeta(meta map[string]string) map[string]string {
	attrs := make(map[string]string)
	for k, v := range meta {
		if strings.HasPrefix(k, "attr.") {
			attrs[strings.TrimPrefix(k, "attr.")] = v
		}
	}
	return attrs
}

// entityContent renders an entity for semantic embedding.
func entityContent(e research.Entity) string {
	var b strings.Builder
	b.WriteString(e.Name)
	b.WriteString(" (")
	b.WriteString(string(e.Type))
	b.WriteString(")")
	if len(e.Attributes) > 0 {
		keys := make([]string, 0, len(e.Attributes))
		for k := range e.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(". ")
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(e.Attributes[k])
		}
	}
	return b.String()
}
