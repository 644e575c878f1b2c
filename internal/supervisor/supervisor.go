// Package supervisor routes a research job to its next step.
//
// Decide is a pure function of the state: no clock, no randomness, no
// I/O. Replaying the same state always yields the same decision, which
// is what makes checkpoint resume and event replay trustworthy.
package supervisor

import (
	"fmt"

	"github.com/fyrsmithlabs/researchd/internal/research"
)

// Decision is the supervisor's verdict for one driver pass.
type Decision struct {
	// Next is the step to execute, or research.StepFinish.
	Next research.StepKind

	// AdvancePhase tells the driver to move the phase controller
	// forward before executing Next.
	AdvancePhase bool

	// Rule is the 1-based row of the routing table that fired.
	Rule int

	// Reason is a short human-readable explanation for logs and events.
	Reason string
}

// InvariantViolationError reports a state no routing rule covers. The
// driver treats it as fatal and parks the job in the error status.
type InvariantViolationError struct {
	JobID        string
	CurrentPhase int
	MaxPhases    int
	Searched     bool
	Verified     bool
	RiskAssessed bool
	Complete     bool
	PendingCount int
	FactCount    int
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf(
		"supervisor: no routing rule matched job %s (phase %d/%d searched=%t verified=%t risk_assessed=%t complete=%t pending=%d facts=%d)",
		e.JobID, e.CurrentPhase, e.MaxPhases,
		e.Searched, e.Verified, e.RiskAssessed, e.Complete,
		e.PendingCount, e.FactCount,
	)
}

// Decide evaluates the routing table against the state, first match
// wins. A set final report dominates everything, otherwise the
// synthesizer would be re-routed forever.
func Decide(s *research.State) (Decision, error) {
	if s.FinalReport != "" {
		return Decision{
			Next:   research.StepFinish,
			Rule:   10,
			Reason: "final report present",
		}, nil
	}

	if s.Plan == nil {
		return Decision{
			Next:   research.StepPlanner,
			Rule:   1,
			Reason: "no plan yet",
		}, nil
	}

	if len(s.PendingQueries) == 0 && !s.Searched {
		return Decision{
			Next:   research.StepQueryRefiner,
			Rule:   2,
			Reason: "phase has no queries queued",
		}, nil
	}

	if len(s.PendingQueries) > 0 {
		return Decision{
			Next:   research.StepSearchAnalyze,
			Rule:   3,
			Reason: fmt.Sprintf("%d queries pending", len(s.PendingQueries)),
		}, nil
	}

	if s.Searched && len(s.Facts) > 0 && !s.Verified {
		return Decision{
			Next:   research.StepVerifier,
			Rule:   4,
			Reason: "facts await verification",
		}, nil
	}

	if s.Searched && (len(s.Facts) == 0 || s.Verified) && !s.RiskAssessed {
		return Decision{
			Next:   research.StepRiskAssessor,
			Rule:   5,
			Reason: "risk assessment outstanding",
		}, nil
	}

	if s.RiskAssessed && !s.Complete {
		return Decision{
			Next:   research.StepGraphBuilder,
			Rule:   6,
			Reason: "phase findings not yet in graph",
		}, nil
	}

	if s.Complete && s.DynamicPhases && s.CurrentPhase == 1 {
		return Decision{
			Next:   research.StepPhaseStrategist,
			Rule:   7,
			Reason: "first phase done, depth undecided",
		}, nil
	}

	if s.Complete && s.CurrentPhase < s.MaxPhases {
		return Decision{
			Next:         research.StepQueryRefiner,
			AdvancePhase: true,
			Rule:         8,
			Reason:       fmt.Sprintf("phase %d done, advancing to %d", s.CurrentPhase, s.CurrentPhase+1),
		}, nil
	}

	if s.Complete && s.CurrentPhase >= s.MaxPhases {
		return Decision{
			Next:   research.StepSynthesizer,
			Rule:   9,
			Reason: "all phases done",
		}, nil
	}

	return Decision{}, &InvariantViolationError{
		JobID:        s.JobID,
		CurrentPhase: s.CurrentPhase,
		MaxPhases:    s.MaxPhases,
		Searched:     s.Searched,
		Verified:     s.Verified,
		RiskAssessed: s.RiskAssessed,
		Complete:     s.Complete,
		PendingCount: len(s.PendingQueries),
		FactCount:    len(s.Facts),
	}
}

// Instructions renders the routing note handed to the chosen step: the
// current phase's name and focus, when the plan carries one. Pure like
// Decide, so the driver can rebuild it after a phase advance.
func Instructions(s *research.State, next research.StepKind) string {
	switch next {
	case research.StepQueryRefiner, research.StepSearchAnalyze,
		research.StepVerifier, research.StepRiskAssessor:
	default:
		return ""
	}
	ph := s.Plan.Phase(s.CurrentPhase)
	if ph == nil {
		return ""
	}
	if ph.Description == "" {
		return fmt.Sprintf("Focus for phase %d: %s.", s.CurrentPhase, ph.Name)
	}
	return fmt.Sprintf("Focus for phase %d: %s. %s", s.CurrentPhase, ph.Name, ph.Description)
}
