package steps

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/modelrouter"
	"github.com/fyrsmithlabs/researchd/internal/research"
)

type queryRefiner struct {
	base
}

func (r *queryRefiner) Kind() research.StepKind { return research.StepQueryRefiner }

func (r *queryRefiner) Execute(ctx context.Context, state *research.State, instructions string) (delta *research.Delta, err error) {
	ctx, _, done := r.startSpan(ctx, r.Kind(), state.JobID)
	defer func() { done(err) }()

	limit := r.cfg.MaxQueriesPerBatch
	phase := state.Plan.Phase(state.CurrentPhase)

	req := &modelrouter.Request{
		System:      refinerSystemPrompt,
		Prompt:      buildRefinerPrompt(state, phase, limit, instructions),
		Temperature: 0.8,
		MaxTokens:   r.cfg.MaxTokens,
	}

	var refined []string
	parse := func(text string) error {
		qs, perr := decodeQueries(text, limit)
		if perr != nil {
			return perr
		}
		refined = qs
		return nil
	}

	if _, err = r.deps.Router.Invoke(ctx, r.Kind(), req, parse); err != nil {
		if !schemaOnlyExhaustion(err) {
			return nil, err
		}
		r.logger().Warn("query refiner output unusable, falling back to plan seeds",
			zap.String("job_id", state.JobID),
			zap.Int("phase", state.CurrentPhase),
			zap.Error(err))
		refined = nil
		err = nil
	}

	// Model suggestions first, plan seeds as backstop; anything already
	// executed is dropped so the phase cannot re-run old searches.
	candidates := refined
	if phase != nil {
		candidates = append(candidates, phase.QuerySeeds...)
	}

	seen := make(map[string]struct{}, len(candidates))
	fresh := make([]string, 0, limit)
	for _, q := range candidates {
		q = strings.TrimSpace(q)
		if q == "" || state.HasExecuted(q) {
			continue
		}
		if _, dup := seen[q]; dup {
			continue
		}
		seen[q] = struct{}{}
		fresh = append(fresh, q)
		if len(fresh) >= limit {
			break
		}
	}

	if len(fresh) == 0 {
		// Nothing new to ask. The empty delta leaves pending at zero and
		// the iteration budget bounds how long that can persist.
		r.logger().Warn("query refiner produced no fresh queries",
			zap.String("job_id", state.JobID),
			zap.Int("phase", state.CurrentPhase))
		return &research.Delta{}, nil
	}

	r.logger().Info("queries queued",
		zap.String("job_id", state.JobID),
		zap.Int("phase", state.CurrentPhase),
		zap.Int("count", len(fresh)))
	return &research.Delta{NewQueries: fresh}, nil
}
