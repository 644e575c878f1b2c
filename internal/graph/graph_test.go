package graph

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/research"
)

func newTestStore(t *testing.T) *chromemStore {
	t.Helper()
	s, err := newChromemStore(ChromemConfig{Dim: defaultDim}, nil, 3, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "jane roe", NormalizeName("Jane  Roe"))
	assert.Equal(t, "jane roe", NormalizeName("  jane\troe "))
	assert.Equal(t, "acme corp", NormalizeName("ACME Corp"))
	assert.Equal(t, "", NormalizeName("   "))
}

func TestEntityIDDeterminism(t *testing.T) {
	a := EntityID("job-1", research.EntityPerson, "Jane Roe")
	b := EntityID("job-1", research.EntityPerson, "jane  roe")
	assert.Equal(t, a, b, "normalized names must collide")

	otherJob := EntityID("job-2", research.EntityPerson, "Jane Roe")
	assert.NotEqual(t, a, otherJob, "ids are job scoped")

	otherType := EntityID("job-1", research.EntityOrganization, "Jane Roe")
	assert.NotEqual(t, a, otherType, "ids are type scoped")
}

func TestRelationshipIDDirectional(t *testing.T) {
	src := EntityID("job-1", research.EntityPerson, "Jane Roe")
	dst := EntityID("job-1", research.EntityOrganization, "Acme")

	forward := RelationshipID("job-1", src, dst, research.RelWorksAt)
	again := RelationshipID("job-1", src, dst, research.RelWorksAt)
	assert.Equal(t, forward, again)

	reverse := RelationshipID("job-1", dst, src, research.RelWorksAt)
	assert.NotEqual(t, forward, reverse, "edges are directional")

	otherType := RelationshipID("job-1", src, dst, research.RelAssociatedWith)
	assert.NotEqual(t, forward, otherType)
}

func TestIdentityVector(t *testing.T) {
	v := IdentityVector("some-id", 64)
	require.Len(t, v, 64)

	var norm float64
	for _, f := range v {
		norm += float64(f) * float64(f)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5, "vectors are unit length")

	again := IdentityVector("some-id", 64)
	assert.Equal(t, v, again, "same id yields same vector")

	other := IdentityVector("other-id", 64)
	assert.NotEqual(t, v, other)

	wide := IdentityVector("some-id", 300)
	assert.Len(t, wide, 300, "dimension beyond one digest block still fills")

	fallback := IdentityVector("some-id", 0)
	assert.Len(t, fallback, defaultDim)
}

func TestMergeAttrs(t *testing.T) {
	existing := map[string]string{"role": "engineer", "location": "berlin"}
	incoming := map[string]string{"role": "cto", "location": "", "since": "2020"}

	merged := mergeAttrs(existing, incoming)

	assert.Equal(t, "cto", merged["role"], "non-empty incoming wins")
	assert.Equal(t, "berlin", merged["location"], "empty incoming never erases")
	assert.Equal(t, "2020", merged["since"], "new keys are added")
	assert.Equal(t, "engineer", existing["role"], "inputs are not mutated")
}

func TestUpsertEntityIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := research.Entity{Name: "Acme Corp", Type: research.EntityOrganization, SourceURL: "https://example.com"}

	id1, err := s.UpsertEntity(ctx, "job-1", e)
	require.NoError(t, err)
	id2, err := s.UpsertEntity(ctx, "job-1", e)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	count, err := s.CountNodes(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "re-upserting must not duplicate")
}

func TestUpsertEntityMergesAttributes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertEntity(ctx, "job-1", research.Entity{
		Name:       "Jane Roe",
		Type:       research.EntityPerson,
		Attributes: map[string]string{"role": "engineer", "location": "berlin"},
	})
	require.NoError(t, err)

	id, err := s.UpsertEntity(ctx, "job-1", research.Entity{
		Name:       "jane roe",
		Type:       research.EntityPerson,
		Attributes: map[string]string{"role": "cto", "location": ""},
	})
	require.NoError(t, err)

	col := s.db.GetCollection(entityCollection("job-1"), s.embedFunc())
	require.NotNil(t, col)
	doc, err := col.GetByID(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, "cto", doc.Metadata["attr.role"])
	assert.Equal(t, "berlin", doc.Metadata["attr.location"], "empty update keeps prior value")
	assert.Equal(t, "2", doc.Metadata["version"], "each merge bumps the version")
	assert.Equal(t, "Jane Roe", doc.Metadata["name"], "display name from first sighting survives normalization")
}

func TestUpsertEntityRejectsUnnamed(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpsertEntity(context.Background(), "job-1", research.Entity{Type: research.EntityPerson})
	assert.Error(t, err)
}

func TestUpsertRelationship(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertEntity(ctx, "job-1", research.Entity{Name: "Jane Roe", Type: research.EntityPerson})
	require.NoError(t, err)
	_, err = s.UpsertEntity(ctx, "job-1", research.Entity{Name: "Acme", Type: research.EntityOrganization})
	require.NoError(t, err)

	rel := Relationship{
		Source:     "Jane Roe",
		SourceType: research.EntityPerson,
		Target:     "Acme",
		TargetType: research.EntityOrganization,
		Type:       research.RelWorksAt,
	}
	id1, err := s.UpsertRelationship(ctx, "job-1", rel)
	require.NoError(t, err)
	id2, err := s.UpsertRelationship(ctx, "job-1", rel)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	count, err := s.CountNodes(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "edges never count as nodes")
}

func TestRelationshipValidate(t *testing.T) {
	cases := []struct {
		name string
		rel  Relationship
	}{
		{"missing source", Relationship{Target: "Acme", Type: research.RelWorksAt}},
		{"missing target", Relationship{Source: "Jane", Type: research.RelWorksAt}},
		{"missing type", Relationship{Source: "Jane", Target: "Acme"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.rel.validate())
		})
	}
}

func TestCountNodesUnknownJob(t *testing.T) {
	s := newTestStore(t)
	count, err := s.CountNodes(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestJobIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertEntity(ctx, "job-a", research.Entity{Name: "Acme", Type: research.EntityOrganization})
	require.NoError(t, err)
	_, err = s.UpsertEntity(ctx, "job-b", research.Entity{Name: "Acme", Type: research.EntityOrganization})
	require.NoError(t, err)
	_, err = s.UpsertEntity(ctx, "job-b", research.Entity{Name: "Jane Roe", Type: research.EntityPerson})
	require.NoError(t, err)

	countA, err := s.CountNodes(ctx, "job-a")
	require.NoError(t, err)
	countB, err := s.CountNodes(ctx, "job-b")
	require.NoError(t, err)
	assert.Equal(t, 1, countA)
	assert.Equal(t, 2, countB)

	require.NoError(t, s.DeleteJob(ctx, "job-a"))

	countA, err = s.CountNodes(ctx, "job-a")
	require.NoError(t, err)
	countB, err = s.CountNodes(ctx, "job-b")
	require.NoError(t, err)
	assert.Zero(t, countA, "deleted job is gone")
	assert.Equal(t, 2, countB, "other jobs untouched")
}

func TestDeleteJobIdempotent(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.DeleteJob(context.Background(), "never-seen"))
}

func TestPersistentReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := newChromemStore(ChromemConfig{Path: dir, Dim: defaultDim}, nil, 3, zap.NewNop())
	require.NoError(t, err)
	_, err = s.UpsertEntity(ctx, "job-1", research.Entity{Name: "Acme", Type: research.EntityOrganization})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := newChromemStore(ChromemConfig{Path: dir, Dim: defaultDim}, nil, 3, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	count, err := reopened.CountNodes(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "graph survives restart")
}

func TestNewStoreDefaults(t *testing.T) {
	store, err := NewStore(nil, nil)
	require.NoError(t, err)
	defer store.Close()

	_, ok := store.(*chromemStore)
	assert.True(t, ok, "default backend is embedded")
}

func TestNewStoreUnknownBackend(t *testing.T) {
	_, err := NewStore(&Config{Backend: "neo4j"}, zap.NewNop())
	assert.ErrorContains(t, err, "unknown graph backend")
}

func TestRemoteEmbedderConfigValidate(t *testing.T) {
	valid := RemoteEmbedderConfig{BaseURL: "http://localhost:8080/v1", Model: "nomic-embed-text", Dim: 768}
	assert.NoError(t, valid.Validate())

	missing := valid
	missing.BaseURL = ""
	assert.Error(t, missing.Validate())

	missing = valid
	missing.Model = ""
	assert.Error(t, missing.Validate())

	missing = valid
	missing.Dim = 0
	assert.Error(t, missing.Validate())
}

func TestConflictErrorMessage(t *testing.T) {
	err := &ConflictError{ID: "abc", Attempts: 3}
	assert.Equal(t, "graph: write conflict on abc after 3 attempts", err.Error())
}
