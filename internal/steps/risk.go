package steps

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/modelrouter"
	"github.com/fyrsmithlabs/researchd/internal/research"
)

type riskAssessor struct {
	base
}

func (r *riskAssessor) Kind() research.StepKind { return research.StepRiskAssessor }

func (r *riskAssessor) Execute(ctx context.Context, state *research.State, instructions string) (delta *research.Delta, err error) {
	ctx, _, done := r.startSpan(ctx, r.Kind(), state.JobID)
	defer func() { done(err) }()

	newFacts := state.UnassessedFacts()
	if len(newFacts) == 0 {
		return &research.Delta{SetRiskAssessed: true}, nil
	}

	req := &modelrouter.Request{
		System:      riskSystemPrompt,
		Prompt:      buildRiskPrompt(state, newFacts, instructions),
		Temperature: 0.3,
		MaxTokens:   r.cfg.MaxTokens,
	}

	var flags []research.RiskFlag
	parse := func(text string) error {
		// The model numbers facts from zero within this batch; indices
		// are rebased onto State.Facts before they are stored.
		fs, perr := decodeRiskFlags(text, state.RiskAssessedCount, len(newFacts))
		if perr != nil {
			return perr
		}
		flags = fs
		return nil
	}

	if _, err = r.deps.Router.Invoke(ctx, r.Kind(), req, parse); err != nil {
		if !schemaOnlyExhaustion(err) {
			return nil, err
		}
		r.logger().Warn("risk assessor output unusable, advancing without flags",
			zap.String("job_id", state.JobID),
			zap.Int("facts", len(newFacts)),
			zap.Error(err))
		flags = nil
		err = nil
	}

	// High and critical flags feed their follow-up searches back into
	// the queue so the next search pass digs into them.
	var followUps []string
	for _, f := range flags {
		if f.Severity.AtLeast(research.SeverityHigh) {
			followUps = append(followUps, f.FollowUpQueries...)
		}
	}

	r.logger().Info("risk assessment finished",
		zap.String("job_id", state.JobID),
		zap.Int("phase", state.CurrentPhase),
		zap.Int("facts", len(newFacts)),
		zap.Int("flags", len(flags)),
		zap.Int("follow_ups", len(followUps)))

	return &research.Delta{
		RiskFlags:          flags,
		NewQueries:         followUps,
		RiskAssessedCursor: len(state.Facts),
		SetRiskAssessed:    true,
	}, nil
}
