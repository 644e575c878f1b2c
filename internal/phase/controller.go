// Package phase owns the phase lifecycle: marking a phase complete and
// advancing to the next one. These are the only two places the
// completion flag changes, so step code cannot short-circuit a phase.
package phase

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/researchd/internal/research"
)

var (
	// ErrNotAssessed means MarkComplete ran before risk assessment.
	ErrNotAssessed = errors.New("phase: risk assessment not done")

	// ErrNotComplete means Advance ran on an unfinished phase.
	ErrNotComplete = errors.New("phase: current phase not complete")

	// ErrAtCeiling means Advance ran on the final phase.
	ErrAtCeiling = errors.New("phase: already at max phase")
)

// MarkComplete flags the current phase as done. It refuses to run
// ahead of risk assessment so the graph build cannot be skipped.
func MarkComplete(s *research.State) error {
	if !s.RiskAssessed {
		return fmt.Errorf("%w (job %s phase %d)", ErrNotAssessed, s.JobID, s.CurrentPhase)
	}
	s.Complete = true
	return nil
}

// Advance moves to the next phase and resets the four per-phase flags.
// Executed queries and all accumulators carry over; the next phase
// deduplicates against them.
func Advance(s *research.State) (int, error) {
	if !s.Complete {
		return 0, fmt.Errorf("%w (job %s phase %d)", ErrNotComplete, s.JobID, s.CurrentPhase)
	}
	if s.CurrentPhase >= s.MaxPhases {
		return 0, fmt.Errorf("%w (job %s phase %d/%d)", ErrAtCeiling, s.JobID, s.CurrentPhase, s.MaxPhases)
	}

	s.CurrentPhase++
	s.Searched = false
	s.Verified = false
	s.RiskAssessed = false
	s.Complete = false
	return s.CurrentPhase, nil
}

// Terminal reports whether the job has finished its last phase.
func Terminal(s *research.State) bool {
	return s.Complete && s.CurrentPhase >= s.MaxPhases
}

// Describe renders the position for logs, e.g. "phase 2/3 (depth)".
func Describe(s *research.State) string {
	name := ""
	if ph := s.Plan.Phase(s.CurrentPhase); ph != nil && ph.Name != "" {
		name = fmt.Sprintf(" (%s)", ph.Name)
	}
	return fmt.Sprintf("phase %d/%d%s", s.CurrentPhase, s.MaxPhases, name)
}
