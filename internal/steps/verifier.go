package steps

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/modelrouter"
	"github.com/fyrsmithlabs/researchd/internal/research"
)

type verifier struct {
	base
}

func (v *verifier) Kind() research.StepKind { return research.StepVerifier }

func (v *verifier) Execute(ctx context.Context, state *research.State, instructions string) (delta *research.Delta, err error) {
	ctx, _, done := v.startSpan(ctx, v.Kind(), state.JobID)
	defer func() { done(err) }()

	newFacts := state.UnverifiedFacts()
	if len(newFacts) == 0 {
		// The flag is set even with nothing to verify; otherwise a phase
		// that found no facts could never satisfy its verification gate.
		return &research.Delta{SetVerified: true}, nil
	}

	req := &modelrouter.Request{
		System:      verifierSystemPrompt,
		Prompt:      buildVerifierPrompt(state, newFacts, instructions),
		Temperature: 0.1,
		MaxTokens:   v.cfg.MaxTokens,
	}

	var verified []research.VerifiedFact
	var contradictions []research.Contradiction
	parse := func(text string) error {
		vf, cs, perr := decodeVerification(text)
		if perr != nil {
			return perr
		}
		verified, contradictions = vf, cs
		return nil
	}

	if _, err = v.deps.Router.Invoke(ctx, v.Kind(), req, parse); err != nil {
		if !schemaOnlyExhaustion(err) {
			return nil, err
		}
		// Cursor still advances: stalling the whole job on one garbled
		// verdict batch is worse than leaving these facts unverified.
		v.logger().Warn("verifier output unusable, advancing without verdicts",
			zap.String("job_id", state.JobID),
			zap.Int("facts", len(newFacts)),
			zap.Error(err))
		verified, contradictions = nil, nil
		err = nil
	}

	v.logger().Info("verification pass finished",
		zap.String("job_id", state.JobID),
		zap.Int("phase", state.CurrentPhase),
		zap.Int("facts", len(newFacts)),
		zap.Int("verified", len(verified)),
		zap.Int("contradictions", len(contradictions)))

	return &research.Delta{
		VerifiedFacts:       verified,
		Contradictions:      contradictions,
		FactsVerifiedCursor: len(state.Facts),
		SetVerified:         true,
	}, nil
}
