package steps

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/modelrouter"
	"github.com/fyrsmithlabs/researchd/internal/research"
)

type synthesizer struct {
	base
}

func (s *synthesizer) Kind() research.StepKind { return research.StepSynthesizer }

func (s *synthesizer) Execute(ctx context.Context, state *research.State, instructions string) (delta *research.Delta, err error) {
	ctx, _, done := s.startSpan(ctx, s.Kind(), state.JobID)
	defer func() { done(err) }()

	if state.FinalReport != "" {
		return nil, fmt.Errorf("synthesizer invoked but job %s already has a report", state.JobID)
	}

	req := &modelrouter.Request{
		System:      synthesizerSystemPrompt,
		Prompt:      buildSynthesizerPrompt(state, instructions),
		Temperature: 0.5,
		// Reports run long; give synthesis twice the usual room.
		MaxTokens: 2 * s.cfg.MaxTokens,
	}

	var report string
	parse := func(text string) error {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return errors.New("empty report")
		}
		report = trimmed
		return nil
	}

	result, err := s.deps.Router.Invoke(ctx, s.Kind(), req, parse)
	if err != nil {
		if !schemaOnlyExhaustion(err) {
			return nil, err
		}
		// A job that got this far has real findings; a plain assembled
		// report is better than dying at the finish line.
		report = fallbackReport(state)
		s.logger().Warn("synthesis output unusable, assembling report from state",
			zap.String("job_id", state.JobID),
			zap.Error(err))
		err = nil
	} else {
		s.logger().Info("report synthesized",
			zap.String("job_id", state.JobID),
			zap.String("model", result.Model),
			zap.Int("length", len(report)))
	}

	return &research.Delta{FinalReport: report}, nil
}

// fallbackReport renders the accumulated findings without a model:
// verified facts, risk flags, and contradictions in plain Markdown.
func fallbackReport(state *research.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Research Report: %s\n\n", state.Target.Name)
	b.WriteString("## Executive Summary\n\n")
	fmt.Fprintf(&b,
		"Automated research across %d phase(s) executed %d searches, extracted %d facts (%d verified), and raised %d risk flag(s). Narrative synthesis was unavailable; findings are listed verbatim below.\n\n",
		state.CurrentPhase, state.SearchesCount, len(state.Facts), len(state.VerifiedFacts), len(state.RiskFlags))

	if len(state.VerifiedFacts) > 0 {
		b.WriteString("## Verified Findings\n\n")
		for _, v := range state.VerifiedFacts {
			fmt.Fprintf(&b, "- %s (confidence %.2f", v.Claim, v.Confidence)
			if v.Method != "" {
				fmt.Fprintf(&b, ", %s", v.Method)
			}
			b.WriteString(")\n")
		}
		b.WriteString("\n")
	}

	if len(state.RiskFlags) > 0 {
		b.WriteString("## Risk Flags\n\n")
		for _, f := range state.RiskFlags {
			fmt.Fprintf(&b, "- **%s/%s** %s\n", f.Category, f.Severity, f.Description)
		}
		b.WriteString("\n")
	}

	if len(state.Contradictions) > 0 {
		b.WriteString("## Contradictions\n\n")
		for _, c := range state.Contradictions {
			fmt.Fprintf(&b, "- %q vs %q", c.ClaimA, c.ClaimB)
			if c.Resolution != "" {
				fmt.Fprintf(&b, " (%s)", c.Resolution)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("## Methodology\n\nFindings were gathered by phased web search and automated extraction. Unverified claims are excluded from this fallback rendering.\n")
	return b.String()
}
