package steps

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/modelrouter"
	"github.com/fyrsmithlabs/researchd/internal/research"
)

// PlanningError means no provider could be reached to plan the job.
// Unusable-but-present model output never raises it; that case falls
// back to a playbook plan instead.
type PlanningError struct {
	JobID string
	Err   error
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("planning failed for job %s: %v", e.JobID, e.Err)
}

func (e *PlanningError) Unwrap() error { return e.Err }

type planner struct {
	base
}

func (p *planner) Kind() research.StepKind { return research.StepPlanner }

func (p *planner) Execute(ctx context.Context, state *research.State, instructions string) (delta *research.Delta, err error) {
	ctx, _, done := p.startSpan(ctx, p.Kind(), state.JobID)
	defer func() { done(err) }()

	if state.Plan != nil {
		return nil, fmt.Errorf("planner invoked but job %s already has a plan", state.JobID)
	}

	req := &modelrouter.Request{
		System:      plannerSystemPrompt,
		Prompt:      buildPlannerPrompt(state.Target, p.cfg.MaxPlanPhases, instructions),
		Temperature: 0.7,
		MaxTokens:   p.cfg.MaxTokens,
	}

	var plan *research.Plan
	parse := func(text string) error {
		decoded, perr := decodePlan(text, p.cfg.MaxPlanPhases)
		if perr != nil {
			return perr
		}
		plan = decoded
		return nil
	}

	result, err := p.deps.Router.Invoke(ctx, p.Kind(), req, parse)
	if err != nil {
		if schemaOnlyExhaustion(err) {
			// Providers answered but nothing parsed: a canned plan is
			// better than failing the whole job.
			fallback := playbookPlan(state.Target)
			p.logger().Warn("planner output unusable, using playbook plan",
				zap.String("job_id", state.JobID),
				zap.Int("phases", len(fallback.Phases)),
				zap.Error(err))
			return &research.Delta{Plan: fallback}, nil
		}
		var exhausted *modelrouter.ProviderExhaustedError
		if errors.As(err, &exhausted) {
			err = &PlanningError{JobID: state.JobID, Err: err}
		}
		return nil, err
	}

	p.logger().Info("plan generated",
		zap.String("job_id", state.JobID),
		zap.String("model", result.Model),
		zap.Int("phases", len(plan.Phases)))
	return &research.Delta{Plan: plan}, nil
}
