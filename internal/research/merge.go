package research

import (
	"fmt"
	"time"
)

// Delta is the write-set a step hands back to the driver. Zero values
// mean "no change"; there is deliberately no way to express deletion,
// flag clearing, or phase completion here. Phase transitions belong to
// the phase controller.
type Delta struct {
	// Plan may be written only while the state has none.
	Plan *Plan

	// NewQueries append to the pending queue after QueriesExecuted
	// drain out of it. Duplicates of already-executed or already-pending
	// queries are dropped.
	NewQueries      []string
	QueriesExecuted []string

	// SearchesMade adds to the lifetime search counter.
	SearchesMade int

	Facts          []Fact
	Entities       []Entity
	VerifiedFacts  []VerifiedFact
	RiskFlags      []RiskFlag
	Contradictions []Contradiction

	// Per-phase flags move false→true only.
	SetSearched     bool
	SetVerified     bool
	SetRiskAssessed bool

	// GraphNodesCount is the store-reported node total; merged by max.
	GraphNodesCount int

	// Cursors into Facts; merged by max so a replayed delta cannot
	// rewind them.
	FactsVerifiedCursor int
	RiskAssessedCursor  int

	// MaxPhases widens the phase ceiling (clamped to the current
	// phase). ExtendPhases appends descriptors to the plan.
	// ClearDynamic turns dynamic expansion off for good.
	MaxPhases    int
	ExtendPhases []PhaseDescriptor
	ClearDynamic bool

	// FinalReport may be written only while the state has none.
	FinalReport string
}

// Empty reports whether applying the delta would be a no-op.
func (d *Delta) Empty() bool {
	if d == nil {
		return true
	}
	return d.Plan == nil &&
		len(d.NewQueries) == 0 &&
		len(d.QueriesExecuted) == 0 &&
		d.SearchesMade == 0 &&
		len(d.Facts) == 0 &&
		len(d.Entities) == 0 &&
		len(d.VerifiedFacts) == 0 &&
		len(d.RiskFlags) == 0 &&
		len(d.Contradictions) == 0 &&
		!d.SetSearched && !d.SetVerified && !d.SetRiskAssessed &&
		d.GraphNodesCount == 0 &&
		d.FactsVerifiedCursor == 0 &&
		d.RiskAssessedCursor == 0 &&
		d.MaxPhases == 0 &&
		len(d.ExtendPhases) == 0 &&
		!d.ClearDynamic &&
		d.FinalReport == ""
}

// Apply folds the delta into the state with one explicit reducer per
// field. Callers apply to a Clone and swap on success, so a failed
// apply leaves the live state untouched.
func (s *State) Apply(d *Delta) error {
	if d == nil {
		return nil
	}

	if d.Plan != nil {
		if s.Plan != nil {
			return fmt.Errorf("apply: plan already set for job %s", s.JobID)
		}
		s.Plan = d.Plan
	}

	if len(d.QueriesExecuted) > 0 {
		executed := make(map[string]struct{}, len(d.QueriesExecuted))
		for _, q := range d.QueriesExecuted {
			executed[q] = struct{}{}
		}
		kept := s.PendingQueries[:0]
		for _, q := range s.PendingQueries {
			if _, ok := executed[q]; !ok {
				kept = append(kept, q)
			}
		}
		s.PendingQueries = kept
		for _, q := range d.QueriesExecuted {
			if !s.HasExecuted(q) {
				s.ExecutedQueries = append(s.ExecutedQueries, q)
			}
		}
	}

	for _, q := range d.NewQueries {
		if q == "" || s.HasExecuted(q) || s.hasPending(q) {
			continue
		}
		s.PendingQueries = append(s.PendingQueries, q)
	}

	if d.SearchesMade < 0 {
		return fmt.Errorf("apply: negative searches_made %d", d.SearchesMade)
	}
	s.SearchesCount += d.SearchesMade

	s.Facts = append(s.Facts, d.Facts...)
	s.Entities = append(s.Entities, d.Entities...)
	s.VerifiedFacts = append(s.VerifiedFacts, d.VerifiedFacts...)
	s.RiskFlags = append(s.RiskFlags, d.RiskFlags...)
	s.Contradictions = append(s.Contradictions, d.Contradictions...)

	if d.SetSearched {
		s.Searched = true
	}
	if d.SetVerified {
		s.Verified = true
	}
	if d.SetRiskAssessed {
		s.RiskAssessed = true
	}

	if d.GraphNodesCount > s.GraphNodesCount {
		s.GraphNodesCount = d.GraphNodesCount
	}
	if d.FactsVerifiedCursor > s.FactsVerifiedCount {
		s.FactsVerifiedCount = d.FactsVerifiedCursor
	}
	if d.RiskAssessedCursor > s.RiskAssessedCount {
		s.RiskAssessedCount = d.RiskAssessedCursor
	}

	if len(d.ExtendPhases) > 0 {
		if s.Plan == nil {
			return fmt.Errorf("apply: extend_phases with no plan for job %s", s.JobID)
		}
		next := len(s.Plan.Phases) + 1
		for _, ph := range d.ExtendPhases {
			ph.Number = next
			s.Plan.Phases = append(s.Plan.Phases, ph)
			next++
		}
	}
	if d.MaxPhases > 0 {
		mp := d.MaxPhases
		if mp < s.CurrentPhase {
			mp = s.CurrentPhase
		}
		s.MaxPhases = mp
	}
	if d.ClearDynamic {
		s.DynamicPhases = false
	}

	if d.FinalReport != "" {
		if s.FinalReport != "" {
			return fmt.Errorf("apply: final report already set for job %s", s.JobID)
		}
		s.FinalReport = d.FinalReport
	}

	s.UpdatedAt = time.Now().UTC()
	return s.Validate()
}

func (s *State) hasPending(query string) bool {
	for _, q := range s.PendingQueries {
		if q == query {
			return true
		}
	}
	return false
}
