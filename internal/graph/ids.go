package graph

import (
	"crypto/sha256"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/researchd/internal/research"
)

// idNamespace scopes every derived id. Changing it orphans existing
// graphs, so it is fixed for the life of the schema.
var idNamespace = uuid.MustParse("7a3b9c61-52de-4f3a-9d3b-1f4e8a2c6d90")

const defaultDim = 64

// NormalizeName lowercases and collapses whitespace so "Jane  Roe"
// and "jane roe" resolve to the same node.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// EntityID derives the stable id for an entity within a job.
func EntityID(jobID string, typ research.EntityType, name string) string {
	seed := jobID + "|" + string(typ) + "|" + NormalizeName(name)
	return uuid.NewSHA1(idNamespace, []byte(seed)).String()
}

// RelationshipID derives the stable id for an edge within a job.
func RelationshipID(jobID, srcID, dstID string, typ research.RelationType) string {
	seed := jobID + "|" + srcID + "|" + dstID + "|" + string(typ)
	return uuid.NewSHA1(idNamespace, []byte(seed)).String()
}

// IdentityVector derives a unit vector from an id. The vector encodes
// identity, not meaning: equal ids map to equal points, which is all
// idempotent upserts into a vector store need.
func IdentityVector(id string, dim int) []float32 {
	if dim <= 0 {
		dim = defaultDim
	}

	v := make([]float32, dim)
	var norm float64
	digest := sha256.Sum256([]byte(id))
	block := digest[:]
	for i := 0; i < dim; i++ {
		if i > 0 && i%len(digest) == 0 {
			next := sha256.Sum256(block)
			block = next[:]
		}
		f := float64(block[i%len(digest)])/127.5 - 1
		v[i] = float32(f)
		norm += f * f
	}

	norm = math.Sqrt(norm)
	if norm == 0 {
		v[0] = 1
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}
