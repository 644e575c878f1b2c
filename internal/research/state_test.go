package research

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewState(t *testing.T) {
	s := NewState("job-1", TargetDescriptor{Name: "Jane Roe", Context: "fund manager"})

	assert.Equal(t, "job-1", s.JobID)
	assert.Equal(t, "Jane Roe", s.Target.Name)
	assert.Equal(t, 1, s.CurrentPhase)
	assert.Equal(t, DefaultMaxPhases, s.MaxPhases)
	assert.True(t, s.DynamicPhases)
	assert.False(t, s.Searched)
	assert.False(t, s.Verified)
	assert.False(t, s.RiskAssessed)
	assert.False(t, s.Complete)
	assert.Nil(t, s.Plan)
	assert.Empty(t, s.PendingQueries)
	assert.Empty(t, s.Facts)
	assert.Equal(t, "", s.FinalReport)
	assert.False(t, s.CreatedAt.IsZero())
	require.NoError(t, s.Validate())
}

func TestStateClone(t *testing.T) {
	s := NewState("job-1", TargetDescriptor{Name: "Jane Roe", Objectives: []string{"background"}})
	s.Plan = &Plan{Phases: []PhaseDescriptor{
		{Number: 1, Name: "surface", QuerySeeds: []string{"jane roe"}},
	}}
	s.PendingQueries = []string{"jane roe biography"}
	s.Facts = []Fact{{Claim: "born 1970", Category: CategoryBiographical}}
	s.Entities = []Entity{{Name: "Roe Capital", Type: EntityOrganization, Attributes: map[string]string{"sector": "finance"}}}
	s.RiskFlags = []RiskFlag{{Category: RiskLegal, Severity: SeverityHigh, FactIndices: []int{0}}}
	s.VerifiedFacts = []VerifiedFact{{Claim: "born 1970", SupportingSources: []string{"https://a"}}}

	c := s.Clone()
	require.NotNil(t, c)

	c.Plan.Phases[0].QuerySeeds[0] = "mutated"
	c.Plan.Phases = append(c.Plan.Phases, PhaseDescriptor{Number: 2})
	c.PendingQueries[0] = "mutated"
	c.Facts[0].Claim = "mutated"
	c.Entities[0].Attributes["sector"] = "mutated"
	c.RiskFlags[0].FactIndices[0] = 99
	c.VerifiedFacts[0].SupportingSources[0] = "mutated"
	c.Target.Objectives[0] = "mutated"

	assert.Equal(t, "jane roe", s.Plan.Phases[0].QuerySeeds[0])
	assert.Len(t, s.Plan.Phases, 1)
	assert.Equal(t, "jane roe biography", s.PendingQueries[0])
	assert.Equal(t, "born 1970", s.Facts[0].Claim)
	assert.Equal(t, "finance", s.Entities[0].Attributes["sector"])
	assert.Equal(t, 0, s.RiskFlags[0].FactIndices[0])
	assert.Equal(t, "https://a", s.VerifiedFacts[0].SupportingSources[0])
	assert.Equal(t, "background", s.Target.Objectives[0])
}

func TestStateCloneNil(t *testing.T) {
	var s *State
	assert.Nil(t, s.Clone())
}

func TestStateValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*State)
		wantErr string
	}{
		{
			name:    "valid",
			mutate:  func(_ *State) {},
			wantErr: "",
		},
		{
			name:    "empty job id",
			mutate:  func(s *State) { s.JobID = "" },
			wantErr: "job_id",
		},
		{
			name:    "empty target",
			mutate:  func(s *State) { s.Target.Name = "" },
			wantErr: "target",
		},
		{
			name:    "phase below one",
			mutate:  func(s *State) { s.CurrentPhase = 0 },
			wantErr: "current_phase",
		},
		{
			name: "phase beyond ceiling",
			mutate: func(s *State) {
				s.CurrentPhase = 3
				s.MaxPhases = 2
			},
			wantErr: "max_phases",
		},
		{
			name:    "verification cursor past facts",
			mutate:  func(s *State) { s.FactsVerifiedCount = 5 },
			wantErr: "facts_verified_count",
		},
		{
			name:    "risk cursor negative",
			mutate:  func(s *State) { s.RiskAssessedCount = -1 },
			wantErr: "risk_assessed_count",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewState("job-1", TargetDescriptor{Name: "Jane Roe"})
			tt.mutate(s)
			err := s.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStateFactCursors(t *testing.T) {
	s := NewState("job-1", TargetDescriptor{Name: "Jane Roe"})
	s.Facts = []Fact{
		{Claim: "a"}, {Claim: "b"}, {Claim: "c"},
	}
	s.FactsVerifiedCount = 1
	s.RiskAssessedCount = 3

	unverified := s.UnverifiedFacts()
	require.Len(t, unverified, 2)
	assert.Equal(t, "b", unverified[0].Claim)

	assert.Nil(t, s.UnassessedFacts())
}

func TestJobStatusTerminal(t *testing.T) {
	assert.True(t, JobCompleted.Terminal())
	assert.True(t, JobFailed.Terminal())
	assert.True(t, JobCancelled.Terminal())
	assert.True(t, JobError.Terminal())
	assert.False(t, JobRunning.Terminal())
	assert.False(t, JobPaused.Terminal())
	assert.False(t, JobPending.Terminal())
}

func TestRiskSeverityAtLeast(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityHigh))
	assert.True(t, SeverityHigh.AtLeast(SeverityHigh))
	assert.False(t, SeverityMedium.AtLeast(SeverityHigh))
	assert.False(t, RiskSeverity("bogus").AtLeast(SeverityLow))
}

func TestPlanPhase(t *testing.T) {
	p := &Plan{Phases: []PhaseDescriptor{
		{Number: 1, Name: "surface"},
		{Number: 2, Name: "depth"},
	}}

	require.NotNil(t, p.Phase(2))
	assert.Equal(t, "depth", p.Phase(2).Name)
	assert.Nil(t, p.Phase(0))
	assert.Nil(t, p.Phase(3))

	var nilPlan *Plan
	assert.Nil(t, nilPlan.Phase(1))
}
