package steps

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/graph"
	"github.com/fyrsmithlabs/researchd/internal/research"
)

// maxComentionEntities caps how many co-mentioned entities a single
// fact may link pairwise, keeping edge growth quadratic-free.
const maxComentionEntities = 4

// graphBuilder is the one step that never calls a model. It flushes the
// accumulated entities into the graph store and derives edges from
// entity attributes, shared sources, and fact co-mentions. Upserts are
// idempotent, so replaying after a crash converges on the same graph.
type graphBuilder struct {
	base
}

func (g *graphBuilder) Kind() research.StepKind { return research.StepGraphBuilder }

func (g *graphBuilder) Execute(ctx context.Context, state *research.State, instructions string) (delta *research.Delta, err error) {
	ctx, _, done := g.startSpan(ctx, g.Kind(), state.JobID)
	defer func() { done(err) }()

	failed := 0
	for _, e := range state.Entities {
		if _, uerr := g.deps.Graph.UpsertEntity(ctx, state.JobID, e); uerr != nil {
			failed++
			g.logger().Warn("entity upsert failed",
				zap.String("job_id", state.JobID),
				zap.String("entity", e.Name),
				zap.Error(uerr))
		}
	}
	if len(state.Entities) > 0 && failed == len(state.Entities) {
		return nil, fmt.Errorf("graph build failed for job %s: all %d entity upserts failed", state.JobID, failed)
	}

	rels := deriveRelationships(state)
	relFailed := 0
	for _, rel := range rels {
		if _, uerr := g.deps.Graph.UpsertRelationship(ctx, state.JobID, rel); uerr != nil {
			relFailed++
			g.logger().Warn("relationship upsert failed",
				zap.String("job_id", state.JobID),
				zap.String("source", rel.Source),
				zap.String("target", rel.Target),
				zap.String("type", string(rel.Type)),
				zap.Error(uerr))
		}
	}

	nodes, cerr := g.deps.Graph.CountNodes(ctx, state.JobID)
	if cerr != nil {
		// The count only feeds reporting; a stale number is harmless.
		g.logger().Warn("node count failed",
			zap.String("job_id", state.JobID),
			zap.Error(cerr))
		nodes = 0
	}

	g.logger().Info("graph updated",
		zap.String("job_id", state.JobID),
		zap.Int("entities", len(state.Entities)-failed),
		zap.Int("relationships", len(rels)-relFailed),
		zap.Int("nodes", nodes))

	return &research.Delta{GraphNodesCount: nodes}, nil
}

// deriveRelationships infers edges from what analysis already produced:
// attribute links (employer, location), documents sharing a source URL,
// and entities co-mentioned inside one claim.
func deriveRelationships(state *research.State) []graph.Relationship {
	var out []graph.Relationship
	seen := make(map[string]struct{})
	add := func(rel graph.Relationship) {
		key := strings.Join([]string{
			graph.NormalizeName(rel.Source), string(rel.SourceType),
			graph.NormalizeName(rel.Target), string(rel.TargetType),
			string(rel.Type),
		}, "|")
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, rel)
	}

	orgs := make(map[string]research.Entity)
	locs := make(map[string]research.Entity)
	docsByURL := make(map[string]research.Entity)
	for _, e := range state.Entities {
		switch e.Type {
		case research.EntityOrganization, research.EntityFund:
			orgs[graph.NormalizeName(e.Name)] = e
		case research.EntityLocation:
			locs[graph.NormalizeName(e.Name)] = e
		case research.EntityDocument:
			if e.SourceURL != "" {
				docsByURL[e.SourceURL] = e
			}
		}
	}

	for _, e := range state.Entities {
		if e.Type == research.EntityPerson {
			for _, key := range []string{"employer", "organization", "company"} {
				v := e.Attributes[key]
				if v == "" {
					continue
				}
				if org, ok := orgs[graph.NormalizeName(v)]; ok {
					add(graph.Relationship{
						Source: e.Name, SourceType: e.Type,
						Target: org.Name, TargetType: org.Type,
						Type:      research.RelWorksAt,
						SourceURL: e.SourceURL,
					})
				}
			}
		}
		if v := e.Attributes["location"]; v != "" {
			if loc, ok := locs[graph.NormalizeName(v)]; ok && graph.NormalizeName(loc.Name) != graph.NormalizeName(e.Name) {
				add(graph.Relationship{
					Source: e.Name, SourceType: e.Type,
					Target: loc.Name, TargetType: loc.Type,
					Type:      research.RelLocatedIn,
					SourceURL: e.SourceURL,
				})
			}
		}
		if e.Type != research.EntityDocument && e.SourceURL != "" {
			if doc, ok := docsByURL[e.SourceURL]; ok && graph.NormalizeName(doc.Name) != graph.NormalizeName(e.Name) {
				add(graph.Relationship{
					Source: e.Name, SourceType: e.Type,
					Target: doc.Name, TargetType: doc.Type,
					Type:      research.RelMentionedIn,
					SourceURL: e.SourceURL,
				})
			}
		}
	}

	for _, f := range state.Facts {
		claim := graph.NormalizeName(f.Claim)
		var mentioned []research.Entity
		names := make(map[string]struct{})
		for _, e := range state.Entities {
			n := graph.NormalizeName(e.Name)
			if n == "" || !strings.Contains(claim, n) {
				continue
			}
			if _, dup := names[n]; dup {
				continue
			}
			names[n] = struct{}{}
			mentioned = append(mentioned, e)
			if len(mentioned) == maxComentionEntities {
				break
			}
		}
		if len(mentioned) < 2 {
			continue
		}
		attrs := map[string]string{
			"confidence": strconv.FormatFloat(f.Confidence, 'f', 2, 64),
		}
		for i := 0; i < len(mentioned); i++ {
			for j := i + 1; j < len(mentioned); j++ {
				a, b := mentioned[i], mentioned[j]
				// Association is symmetric; orient edges canonically so
				// the same pair never shows up twice.
				if graph.NormalizeName(a.Name) > graph.NormalizeName(b.Name) {
					a, b = b, a
				}
				add(graph.Relationship{
					Source: a.Name, SourceType: a.Type,
					Target: b.Name, TargetType: b.Type,
					Type:       research.RelAssociatedWith,
					Attributes: attrs,
					SourceURL:  f.SourceURL,
				})
			}
		}
	}

	return out
}
