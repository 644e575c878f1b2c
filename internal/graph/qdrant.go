package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/researchd/internal/research"
)

// QdrantConfig configures the remote backend. All jobs share one
// collection; points carry a job_id payload field for scoping.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	Host string

	// Port is the gRPC port (6334, not the 6333 REST port).
	Port int

	UseTLS bool
	APIKey string

	// Collection is the shared collection name.
	Collection string

	// Dim sizes the collection's vectors.
	Dim int

	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

// DefaultQdrantConfig returns defaults for a local server.
func DefaultQdrantConfig() QdrantConfig {
	return QdrantConfig{
		Host:           "localhost",
		Port:           6334,
		Collection:     "researchd_graph",
		Dim:            defaultDim,
		DialTimeout:    5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

func (c *QdrantConfig) applyDefaults() {
	d := DefaultQdrantConfig()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.Collection == "" {
		c.Collection = d.Collection
	}
	if c.Dim <= 0 {
		c.Dim = d.Dim
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = d.RequestTimeout
	}
}

type qdrantStore struct {
	client     *qdrant.Client
	cfg        QdrantConfig
	vectors    *vectorSource
	maxRetries int
	logger     *zap.Logger
	tracer     trace.Tracer
	metrics    *graphMetrics
}

func newQdrantStore(cfg QdrantConfig, remote EmbeddingFunc, maxRetries int, logger *zap.Logger) (*qdrantStore, error) {
	cfg.applyDefaults()

	qcfg := &qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey,
	}
	if !cfg.UseTLS {
		qcfg.GrpcOptions = append(qcfg.GrpcOptions,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
	}

	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}

	s := &qdrantStore{
		client:     client,
		cfg:        cfg,
		vectors:    newVectorSource(remote, cfg.Dim),
		maxRetries: maxRetries,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
		metrics:    newGraphMetrics(logger),
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("qdrant health check: %w", err)
	}
	if err := s.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("qdrant graph backend ready",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("collection", cfg.Collection))
	return s, nil
}

func (s *qdrantStore) ensureCollection(ctx context.Context) error {
	info, err := s.client.GetCollectionInfo(ctx, s.cfg.Collection)
	if err != nil {
		st, ok := status.FromError(err)
		if !ok || st.Code() != codes.NotFound {
			return fmt.Errorf("checking collection %s: %w", s.cfg.Collection, err)
		}
	}
	if info != nil {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.cfg.Dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", s.cfg.Collection, err)
	}
	return nil
}

func (s *qdrantStore) UpsertEntity(ctx context.Context, jobID string, e research.Entity) (string, error) {
	ctx, span := s.tracer.Start(ctx, "graph.upsert_entity",
		trace.WithAttributes(
			attribute.String("job_id", jobID),
			attribute.String("entity_type", string(e.Type)),
		))
	defer span.End()

	if e.Name == "" {
		return "", fmt.Errorf("entity name required")
	}

	id := EntityID(jobID, e.Type, e.Name)
	base := map[string]*qdrant.Value{
		"job_id":    keyword(jobID),
		"kind":      keyword("entity"),
		"type":      keyword(string(e.Type)),
		"name":      keyword(e.Name),
		"norm_name": keyword(NormalizeName(e.Name)),
	}
	if e.SourceURL != "" {
		base["source_url"] = keyword(e.SourceURL)
	}

	if err := s.merge(ctx, id, base, e.Attributes, entityContent(e)); err != nil {
		return "", err
	}
	s.metrics.recordUpsert(ctx, "qdrant", "entity")
	return id, nil
}

func (s *qdrantStore) UpsertRelationship(ctx context.Context, jobID string, r Relationship) (string, error) {
	ctx, span := s.tracer.Start(ctx, "graph.upsert_relationship",
		trace.WithAttributes(
			attribute.String("job_id", jobID),
			attribute.String("relation_type", string(r.Type)),
		))
	defer span.End()

	if err := r.validate(); err != nil {
		return "", err
	}

	srcID := EntityID(jobID, r.SourceType, r.Source)
	dstID := EntityID(jobID, r.TargetType, r.Target)
	id := RelationshipID(jobID, srcID, dstID, r.Type)
	base := map[string]*qdrant.Value{
		"job_id": keyword(jobID),
		"kind":   keyword("relationship"),
		"type":   keyword(string(r.Type)),
		"src_id": keyword(srcID),
		"dst_id": keyword(dstID),
		"src":    keyword(r.Source),
		"dst":    keyword(r.Target),
	}
	if r.SourceURL != "" {
		base["source_url"] = keyword(r.SourceURL)
	}

	content := fmt.Sprintf("%s %s %s", r.Source, r.Type, r.Target)
	if err := s.merge(ctx, id, base, r.Attributes, content); err != nil {
		return "", err
	}
	s.metrics.recordUpsert(ctx, "qdrant", "relationship")
	return id, nil
}

// merge runs the optimistic loop against the shared server. Qdrant has
// no compare-and-set, so each write carries a fresh revision tag and
// the read-back must see it; a racer's overwrite forces a retry from a
// fresh read.
func (s *qdrantStore) merge(ctx context.Context, id string, base map[string]*qdrant.Value, attrs map[string]string, content string) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		existing, version, err := s.read(ctx, id)
		if err != nil {
			return err
		}

		merged := mergeAttrs(existing, attrs)
		rev := uuid.NewString()

		payload := make(map[string]*qdrant.Value, len(base)+len(merged)+2)
		for k, v := range base {
			payload[k] = v
		}
		for k, v := range merged {
			payload["attr."+k] = keyword(v)
		}
		payload["version"] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(version + 1)}}
		payload["rev"] = keyword(rev)

		vec, err := s.vectors.vector(ctx, id, content)
		if err != nil {
			return fmt.Errorf("computing vector for %s: %w", id, err)
		}

		upsertCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		_, err = s.client.Upsert(upsertCtx, &qdrant.UpsertPoints{
			CollectionName: s.cfg.Collection,
			Wait:           qdrant.PtrOf(true),
			Points: []*qdrant.PointStruct{{
				Id:      qdrant.NewIDUUID(id),
				Vectors: qdrant.NewVectors(vec...),
				Payload: payload,
			}},
		})
		cancel()
		if err != nil {
			return fmt.Errorf("upserting point %s: %w", id, err)
		}

		back, err := s.fetch(ctx, id)
		if err != nil {
			return err
		}
		if back != nil && stringPayload(back.Payload, "rev") == rev {
			return nil
		}

		s.metrics.recordConflict(ctx, "qdrant")
		s.logger.Warn("graph merge raced, retrying with latest read",
			zap.String("id", id),
			zap.Int("attempt", attempt+1))
	}

	return &ConflictError{ID: id, Attempts: s.maxRetries}
}

// read returns the stored attributes and version for a point, zero
// values when absent.
func (s *qdrantStore) read(ctx context.Context, id string) (map[string]string, int64, error) {
	point, err := s.fetch(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	if point == nil {
		return map[string]string{}, 0, nil
	}

	attrs := make(map[string]string)
	for k, v := range point.Payload {
		if strings.HasPrefix(k, "attr.") {
			if kw, ok := v.Kind.(*qdrant.Value_StringValue); ok {
				attrs[strings.TrimPrefix(k, "attr.")] = kw.StringValue
			}
		}
	}

	var version int64
	if v, ok := point.Payload["version"]; ok {
		if iv, ok := v.Kind.(*qdrant.Value_IntegerValue); ok {
			version = iv.IntegerValue
		}
	}
	return attrs, version, nil
}

// stringPayload reads a string field from a point payload.
func stringPayload(payload map[string]*qdrant.Value, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	if kw, ok := v.Kind.(*qdrant.Value_StringValue); ok {
		return kw.StringValue
	}
	return ""
}

func (s *qdrantStore) fetch(ctx context.Context, id string) (*qdrant.RetrievedPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.cfg.Collection,
		Ids:            []*qdrant.PointId{qdrant.NewIDUUID(id)},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching point %s: %w", id, err)
	}
	if len(points) == 0 {
		return nil, nil
	}
	return points[0], nil
}

func (s *qdrantStore) CountNodes(ctx context.Context, jobID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.cfg.Collection,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				matchKeyword("job_id", jobID),
				matchKeyword("kind", "entity"),
			},
		},
		Exact: qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("counting nodes for job %s: %w", jobID, err)
	}
	return int(count), nil
}

func (s *qdrantStore) DeleteJob(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{
						matchKeyword("job_id", jobID),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("deleting graph for job %s: %w", jobID, err)
	}
	return nil
}

func (s *qdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func keyword(v string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}}
}

func matchKeyword(field, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: field,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}
