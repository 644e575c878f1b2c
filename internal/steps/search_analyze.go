package steps

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/researchd/internal/modelrouter"
	"github.com/fyrsmithlabs/researchd/internal/research"
	"github.com/fyrsmithlabs/researchd/internal/search"
)

type searchAnalyze struct {
	base
}

func (s *searchAnalyze) Kind() research.StepKind { return research.StepSearchAnalyze }

func (s *searchAnalyze) Execute(ctx context.Context, state *research.State, instructions string) (delta *research.Delta, err error) {
	ctx, _, done := s.startSpan(ctx, s.Kind(), state.JobID)
	defer func() { done(err) }()

	if len(state.PendingQueries) == 0 {
		return &research.Delta{SetSearched: true}, nil
	}

	batch := state.PendingQueries
	if len(batch) > s.cfg.MaxQueriesPerBatch {
		batch = batch[:s.cfg.MaxQueriesPerBatch]
	}
	remaining := len(state.PendingQueries) - len(batch)

	results := make([][]search.Result, len(batch))
	errs := make([]error, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.SearchConcurrency)
	for i, q := range batch {
		i, q := i, q // capture
		g.Go(func() error {
			res, serr := s.deps.Search.Search(gctx, q, search.Options{})
			if serr != nil {
				// One bad query must not sink the batch.
				errs[i] = serr
				s.logger().Warn("search failed",
					zap.String("job_id", state.JobID),
					zap.String("query", q),
					zap.Error(serr))
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}

	byQuery := make(map[string][]search.Result, len(batch))
	failed, total := 0, 0
	for i, q := range batch {
		if errs[i] != nil {
			failed++
			continue
		}
		byQuery[q] = results[i]
		total += len(results[i])
	}
	if failed == len(batch) {
		return nil, fmt.Errorf("all %d searches failed for job %s: %w", len(batch), state.JobID, errs[0])
	}

	// The batch drains even when some queries failed; retrying a query
	// that errored once is rarely worth a second billed search.
	delta = &research.Delta{
		QueriesExecuted: append([]string(nil), batch...),
		SearchesMade:    len(batch),
		SetSearched:     remaining == 0,
	}

	if total == 0 {
		s.logger().Info("searches returned nothing to analyze",
			zap.String("job_id", state.JobID),
			zap.Int("phase", state.CurrentPhase),
			zap.Int("queries", len(batch)))
		return delta, nil
	}

	req := &modelrouter.Request{
		System:      analyzeSystemPrompt,
		Prompt:      buildAnalyzePrompt(state, state.Plan.Phase(state.CurrentPhase), byQuery, instructions),
		Temperature: 0.2,
		MaxTokens:   s.cfg.MaxTokens,
	}

	var facts []research.Fact
	var entities []research.Entity
	parse := func(text string) error {
		fs, es, perr := decodeFindings(text, state.CurrentPhase)
		if perr != nil {
			return perr
		}
		facts, entities = fs, es
		return nil
	}

	if _, err = s.deps.Router.Invoke(ctx, s.Kind(), req, parse); err != nil {
		if !schemaOnlyExhaustion(err) {
			// Provider outage: surface the error without consuming the
			// batch so the searches rerun once models return.
			return nil, err
		}
		s.logger().Warn("analysis output unusable, recording searches without findings",
			zap.String("job_id", state.JobID),
			zap.Int("phase", state.CurrentPhase),
			zap.Error(err))
		err = nil
	}

	delta.Facts = facts
	delta.Entities = entities

	s.logger().Info("search batch analyzed",
		zap.String("job_id", state.JobID),
		zap.Int("phase", state.CurrentPhase),
		zap.Int("queries", len(batch)),
		zap.Int("failed", failed),
		zap.Int("results", total),
		zap.Int("facts", len(facts)),
		zap.Int("entities", len(entities)))
	return delta, nil
}
