package steps

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/modelrouter"
	"github.com/fyrsmithlabs/researchd/internal/research"
)

// phaseStrategist decides once, after the opening phase, whether the
// findings justify going deeper. Whatever it decides it always clears
// dynamic expansion, so it can never be consulted twice.
type phaseStrategist struct {
	base
}

func (p *phaseStrategist) Kind() research.StepKind { return research.StepPhaseStrategist }

func (p *phaseStrategist) Execute(ctx context.Context, state *research.State, instructions string) (delta *research.Delta, err error) {
	ctx, _, done := p.startSpan(ctx, p.Kind(), state.JobID)
	defer func() { done(err) }()

	req := &modelrouter.Request{
		System:      strategistSystemPrompt,
		Prompt:      buildStrategistPrompt(state, instructions),
		Temperature: 0.4,
		MaxTokens:   p.cfg.MaxTokens,
	}

	var decision *strategyDecision
	parse := func(text string) error {
		d, perr := decodeStrategy(text)
		if perr != nil {
			return perr
		}
		decision = d
		return nil
	}

	if _, err = p.deps.Router.Invoke(ctx, p.Kind(), req, parse); err != nil {
		if !schemaOnlyExhaustion(err) {
			return nil, err
		}
		// Unusable decisions default to synthesis: wrapping up with what
		// phase 1 found beats expanding on a verdict nobody gave.
		p.logger().Warn("strategist output unusable, defaulting to synthesize",
			zap.String("job_id", state.JobID),
			zap.Error(err))
		decision = &strategyDecision{Action: "synthesize", Reasoning: "strategy output unusable"}
		err = nil
	}

	if decision.Action == "add_phases" {
		added := decision.Phases
		if allowed := p.cfg.MaxPhases - state.CurrentPhase; len(added) > allowed {
			if allowed <= 0 {
				added = nil
			} else {
				added = added[:allowed]
			}
		}
		if len(added) > 0 {
			p.logger().Info("expanding research",
				zap.String("job_id", state.JobID),
				zap.Int("phases_added", len(added)),
				zap.String("reasoning", truncate(decision.Reasoning, 200)))
			return &research.Delta{
				ExtendPhases: added,
				MaxPhases:    state.CurrentPhase + len(added),
				ClearDynamic: true,
			}, nil
		}
		// The ceiling left no room; fall through to synthesis.
	}

	p.logger().Info("concluding research",
		zap.String("job_id", state.JobID),
		zap.String("reasoning", truncate(decision.Reasoning, 200)))
	return &research.Delta{
		MaxPhases:    state.CurrentPhase,
		ClearDynamic: true,
	}, nil
}
