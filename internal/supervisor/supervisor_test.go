package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/researchd/internal/research"
)

func baseState() *research.State {
	s := research.NewState("job-1", research.TargetDescriptor{Name: "Jane Roe"})
	s.Plan = &research.Plan{Phases: []research.PhaseDescriptor{
		{Number: 1, Name: "surface"},
		{Number: 2, Name: "depth"},
		{Number: 3, Name: "network"},
	}}
	return s
}

func TestDecideRoutingTable(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*research.State)
		wantNext    research.StepKind
		wantRule    int
		wantAdvance bool
	}{
		{
			name:     "no plan routes to planner",
			mutate:   func(s *research.State) { s.Plan = nil },
			wantNext: research.StepPlanner,
			wantRule: 1,
		},
		{
			name:     "fresh phase routes to query refiner",
			mutate:   func(_ *research.State) {},
			wantNext: research.StepQueryRefiner,
			wantRule: 2,
		},
		{
			name: "pending queries route to search",
			mutate: func(s *research.State) {
				s.PendingQueries = []string{"q1"}
			},
			wantNext: research.StepSearchAnalyze,
			wantRule: 3,
		},
		{
			name: "unverified facts route to verifier",
			mutate: func(s *research.State) {
				s.Searched = true
				s.Facts = []research.Fact{{Claim: "a"}}
			},
			wantNext: research.StepVerifier,
			wantRule: 4,
		},
		{
			name: "verified facts route to risk assessor",
			mutate: func(s *research.State) {
				s.Searched = true
				s.Facts = []research.Fact{{Claim: "a"}}
				s.Verified = true
			},
			wantNext: research.StepRiskAssessor,
			wantRule: 5,
		},
		{
			name: "no facts skips verifier entirely",
			mutate: func(s *research.State) {
				s.Searched = true
			},
			wantNext: research.StepRiskAssessor,
			wantRule: 5,
		},
		{
			name: "assessed phase routes to graph builder",
			mutate: func(s *research.State) {
				s.Searched = true
				s.Verified = true
				s.RiskAssessed = true
			},
			wantNext: research.StepGraphBuilder,
			wantRule: 6,
		},
		{
			name: "first phase complete routes to strategist",
			mutate: func(s *research.State) {
				markComplete(s)
			},
			wantNext: research.StepPhaseStrategist,
			wantRule: 7,
		},
		{
			name: "complete mid-run advances and refines",
			mutate: func(s *research.State) {
				markComplete(s)
				s.DynamicPhases = false
				s.MaxPhases = 3
			},
			wantNext:    research.StepQueryRefiner,
			wantRule:    8,
			wantAdvance: true,
		},
		{
			name: "strategist already ran on later phase",
			mutate: func(s *research.State) {
				markComplete(s)
				s.DynamicPhases = true
				s.CurrentPhase = 2
				s.MaxPhases = 3
			},
			wantNext:    research.StepQueryRefiner,
			wantRule:    8,
			wantAdvance: true,
		},
		{
			name: "last phase complete routes to synthesizer",
			mutate: func(s *research.State) {
				markComplete(s)
				s.DynamicPhases = false
				s.CurrentPhase = 3
				s.MaxPhases = 3
			},
			wantNext: research.StepSynthesizer,
			wantRule: 9,
		},
		{
			name: "single static phase synthesizes immediately",
			mutate: func(s *research.State) {
				markComplete(s)
				s.DynamicPhases = false
			},
			wantNext: research.StepSynthesizer,
			wantRule: 9,
		},
		{
			name: "final report finishes",
			mutate: func(s *research.State) {
				markComplete(s)
				s.FinalReport = "# Report"
			},
			wantNext: research.StepFinish,
			wantRule: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := baseState()
			tt.mutate(s)

			d, err := Decide(s)
			require.NoError(t, err)
			assert.Equal(t, tt.wantNext, d.Next)
			assert.Equal(t, tt.wantRule, d.Rule)
			assert.Equal(t, tt.wantAdvance, d.AdvancePhase)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func markComplete(s *research.State) {
	s.Searched = true
	s.Verified = true
	s.RiskAssessed = true
	s.Complete = true
}

// Pending queries outrank every downstream flag: a follow-up query
// queued late in a phase pulls the job back into searching.
func TestDecidePendingDominates(t *testing.T) {
	s := baseState()
	markComplete(s)
	s.Complete = false
	s.PendingQueries = []string{"follow-up"}
	s.Facts = []research.Fact{{Claim: "a"}}

	d, err := Decide(s)
	require.NoError(t, err)
	assert.Equal(t, research.StepSearchAnalyze, d.Next)
	assert.Equal(t, 3, d.Rule)
}

// A set final report dominates even states that would otherwise route
// back to the synthesizer.
func TestDecideFinalReportDominates(t *testing.T) {
	s := baseState()
	markComplete(s)
	s.CurrentPhase = 3
	s.MaxPhases = 3
	s.FinalReport = "# Report"
	s.PendingQueries = []string{"stale"}

	d, err := Decide(s)
	require.NoError(t, err)
	assert.Equal(t, research.StepFinish, d.Next)
}

func TestDecidePure(t *testing.T) {
	s := baseState()
	s.Searched = true
	s.Facts = []research.Fact{{Claim: "a"}}
	snapshot := s.Clone()

	d1, err1 := Decide(s)
	d2, err2 := Decide(s)

	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, d1, d2)
	assert.Equal(t, snapshot, s)
}

// Every combination of the four phase flags, pending/fact counts, and
// phase positions must hit some rule. The violation branch guards
// against future table edits, not reachable states.
func TestDecideTotal(t *testing.T) {
	bools := []bool{false, true}
	for _, searched := range bools {
		for _, verified := range bools {
			for _, assessed := range bools {
				for _, complete := range bools {
					for _, dynamic := range bools {
						for _, pending := range []int{0, 2} {
							for _, facts := range []int{0, 3} {
								for _, phase := range [][2]int{{1, 1}, {1, 3}, {2, 3}, {3, 3}} {
									s := baseState()
									s.Searched = searched
									s.Verified = verified
									s.RiskAssessed = assessed
									s.Complete = complete
									s.DynamicPhases = dynamic
									s.CurrentPhase = phase[0]
									s.MaxPhases = phase[1]
									for i := 0; i < pending; i++ {
										s.PendingQueries = append(s.PendingQueries, "q")
									}
									for i := 0; i < facts; i++ {
										s.Facts = append(s.Facts, research.Fact{Claim: "f"})
									}

									_, err := Decide(s)
									require.NoError(t, err)
								}
							}
						}
					}
				}
			}
		}
	}
}

func TestInstructions(t *testing.T) {
	s := baseState()
	s.CurrentPhase = 2
	s.Plan.Phases[1].Description = "Map subsidiaries and board seats."

	got := Instructions(s, research.StepQueryRefiner)
	assert.Equal(t, "Focus for phase 2: depth. Map subsidiaries and board seats.", got)

	// Steps that work from the whole state get no phase focus.
	assert.Empty(t, Instructions(s, research.StepPlanner))
	assert.Empty(t, Instructions(s, research.StepGraphBuilder))
	assert.Empty(t, Instructions(s, research.StepSynthesizer))
}

func TestInstructionsWithoutDescription(t *testing.T) {
	s := baseState()
	got := Instructions(s, research.StepSearchAnalyze)
	assert.Equal(t, "Focus for phase 1: surface.", got)
}

func TestInstructionsOutOfRangePhase(t *testing.T) {
	s := baseState()
	s.CurrentPhase = 9
	assert.Empty(t, Instructions(s, research.StepVerifier))
}

func TestInvariantViolationError(t *testing.T) {
	err := &InvariantViolationError{
		JobID:        "job-9",
		CurrentPhase: 2,
		MaxPhases:    3,
		Searched:     true,
		PendingCount: 1,
		FactCount:    4,
	}
	msg := err.Error()
	assert.Contains(t, msg, "job-9")
	assert.Contains(t, msg, "phase 2/3")
	assert.Contains(t, msg, "pending=1")
}
