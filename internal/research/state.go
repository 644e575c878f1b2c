package research

import (
	"fmt"
	"time"
)

// DefaultMaxPhases is the starting phase ceiling before the phase
// strategist has had a chance to widen it.
const DefaultMaxPhases = 1

// State is the cumulative record for one research job. It is owned by
// the driver; steps receive a deep copy and communicate changes back
// through a Delta.
type State struct {
	JobID  string           `json:"job_id"`
	Target TargetDescriptor `json:"target"`

	// Plan is written exactly once by the planner.
	Plan *Plan `json:"plan,omitempty"`

	// CurrentPhase is 1-based. MaxPhases starts at DefaultMaxPhases and
	// may be raised once by the phase strategist while DynamicPhases
	// is still true.
	CurrentPhase  int  `json:"current_phase"`
	MaxPhases     int  `json:"max_phases"`
	DynamicPhases bool `json:"dynamic_phases"`

	// Per-phase flags, all reset on phase advance. Complete is set only
	// by the phase controller, never through a Delta.
	Searched     bool `json:"searched"`
	Verified     bool `json:"verified"`
	RiskAssessed bool `json:"risk_assessed"`
	Complete     bool `json:"complete"`

	// PendingQueries drain into ExecutedQueries as searches run.
	// ExecutedQueries is a set keyed on exact query text.
	PendingQueries  []string `json:"pending_queries"`
	ExecutedQueries []string `json:"executed_queries"`

	// Append-only accumulators. Indices into Facts are stable for the
	// life of the job, which is what the delta cursors rely on.
	Facts          []Fact          `json:"facts"`
	Entities       []Entity        `json:"entities"`
	VerifiedFacts  []VerifiedFact  `json:"verified_facts"`
	RiskFlags      []RiskFlag      `json:"risk_flags"`
	Contradictions []Contradiction `json:"contradictions"`

	// FactsVerifiedCount and RiskAssessedCount are cursors into Facts:
	// everything below the cursor has already been through that step.
	FactsVerifiedCount int `json:"facts_verified_count"`
	RiskAssessedCount  int `json:"risk_assessed_count"`

	GraphNodesCount int `json:"graph_nodes_count"`
	SearchesCount   int `json:"searches_count"`
	IterationCount  int `json:"iteration_count"`

	// FinalReport is written exactly once by the synthesizer; a
	// non-empty value is the supervisor's FINISH condition.
	FinalReport string `json:"final_report,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewState returns the initial state for a job: phase 1 of 1, dynamic
// expansion enabled, every accumulator empty.
func NewState(jobID string, target TargetDescriptor) *State {
	now := time.Now().UTC()
	return &State{
		JobID:         jobID,
		Target:        target,
		CurrentPhase:  1,
		MaxPhases:     DefaultMaxPhases,
		DynamicPhases: true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a deep copy. Steps receive clones so a failed step
// cannot leave partial writes behind.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	if s.Plan != nil {
		plan := Plan{Rationale: s.Plan.Rationale}
		plan.Phases = make([]PhaseDescriptor, len(s.Plan.Phases))
		for i, ph := range s.Plan.Phases {
			cp := ph
			cp.QuerySeeds = append([]string(nil), ph.QuerySeeds...)
			plan.Phases[i] = cp
		}
		out.Plan = &plan
	}
	out.Target.Objectives = append([]string(nil), s.Target.Objectives...)
	out.PendingQueries = append([]string(nil), s.PendingQueries...)
	out.ExecutedQueries = append([]string(nil), s.ExecutedQueries...)
	out.Facts = append([]Fact(nil), s.Facts...)
	out.Entities = make([]Entity, len(s.Entities))
	for i, e := range s.Entities {
		cp := e
		if e.Attributes != nil {
			cp.Attributes = make(map[string]string, len(e.Attributes))
			for k, v := range e.Attributes {
				cp.Attributes[k] = v
			}
		}
		out.Entities[i] = cp
	}
	out.VerifiedFacts = make([]VerifiedFact, len(s.VerifiedFacts))
	for i, vf := range s.VerifiedFacts {
		cp := vf
		cp.SupportingSources = append([]string(nil), vf.SupportingSources...)
		cp.ContradictingSources = append([]string(nil), vf.ContradictingSources...)
		out.VerifiedFacts[i] = cp
	}
	out.RiskFlags = make([]RiskFlag, len(s.RiskFlags))
	for i, rf := range s.RiskFlags {
		cp := rf
		cp.FactIndices = append([]int(nil), rf.FactIndices...)
		cp.FollowUpQueries = append([]string(nil), rf.FollowUpQueries...)
		out.RiskFlags[i] = cp
	}
	out.Contradictions = append([]Contradiction(nil), s.Contradictions...)
	return &out
}

// Validate checks structural invariants. It is called after every
// Apply and on checkpoint load.
func (s *State) Validate() error {
	if s.JobID == "" {
		return fmt.Errorf("state: job_id is empty")
	}
	if s.Target.Name == "" {
		return fmt.Errorf("state: target name is empty")
	}
	if s.CurrentPhase < 1 {
		return fmt.Errorf("state: current_phase %d < 1", s.CurrentPhase)
	}
	if s.MaxPhases < 1 {
		return fmt.Errorf("state: max_phases %d < 1", s.MaxPhases)
	}
	if s.CurrentPhase > s.MaxPhases {
		return fmt.Errorf("state: current_phase %d > max_phases %d", s.CurrentPhase, s.MaxPhases)
	}
	if s.FactsVerifiedCount < 0 || s.FactsVerifiedCount > len(s.Facts) {
		return fmt.Errorf("state: facts_verified_count %d out of range [0,%d]", s.FactsVerifiedCount, len(s.Facts))
	}
	if s.RiskAssessedCount < 0 || s.RiskAssessedCount > len(s.Facts) {
		return fmt.Errorf("state: risk_assessed_count %d out of range [0,%d]", s.RiskAssessedCount, len(s.Facts))
	}
	if s.SearchesCount < 0 {
		return fmt.Errorf("state: searches_count %d < 0", s.SearchesCount)
	}
	if s.IterationCount < 0 {
		return fmt.Errorf("state: iteration_count %d < 0", s.IterationCount)
	}
	return nil
}

// UnverifiedFacts returns the facts past the verification cursor.
func (s *State) UnverifiedFacts() []Fact {
	if s.FactsVerifiedCount >= len(s.Facts) {
		return nil
	}
	return s.Facts[s.FactsVerifiedCount:]
}

// UnassessedFacts returns the facts past the risk-assessment cursor.
func (s *State) UnassessedFacts() []Fact {
	if s.RiskAssessedCount >= len(s.Facts) {
		return nil
	}
	return s.Facts[s.RiskAssessedCount:]
}

// HasExecuted reports whether the exact query text already ran.
func (s *State) HasExecuted(query string) bool {
	for _, q := range s.ExecutedQueries {
		if q == query {
			return true
		}
	}
	return false
}
