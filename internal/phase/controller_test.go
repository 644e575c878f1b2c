package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/researchd/internal/research"
)

func completeState() *research.State {
	s := research.NewState("job-1", research.TargetDescriptor{Name: "Jane Roe"})
	s.Plan = &research.Plan{Phases: []research.PhaseDescriptor{
		{Number: 1, Name: "surface"},
		{Number: 2, Name: "depth"},
	}}
	s.MaxPhases = 2
	s.Searched = true
	s.Verified = true
	s.RiskAssessed = true
	s.Complete = true
	return s
}

func TestMarkComplete(t *testing.T) {
	s := completeState()
	s.Complete = false

	require.NoError(t, MarkComplete(s))
	assert.True(t, s.Complete)
}

func TestMarkCompleteRequiresAssessment(t *testing.T) {
	s := completeState()
	s.Complete = false
	s.RiskAssessed = false

	err := MarkComplete(s)
	require.ErrorIs(t, err, ErrNotAssessed)
	assert.False(t, s.Complete)
}

func TestAdvanceResetsFlags(t *testing.T) {
	s := completeState()
	s.ExecutedQueries = []string{"q1"}
	s.Facts = []research.Fact{{Claim: "a"}}
	s.FactsVerifiedCount = 1
	s.SearchesCount = 4

	next, err := Advance(s)
	require.NoError(t, err)
	assert.Equal(t, 2, next)
	assert.Equal(t, 2, s.CurrentPhase)

	assert.False(t, s.Searched)
	assert.False(t, s.Verified)
	assert.False(t, s.RiskAssessed)
	assert.False(t, s.Complete)

	// Accumulators and cursors survive the phase boundary.
	assert.Equal(t, []string{"q1"}, s.ExecutedQueries)
	assert.Len(t, s.Facts, 1)
	assert.Equal(t, 1, s.FactsVerifiedCount)
	assert.Equal(t, 4, s.SearchesCount)
}

func TestAdvanceRequiresComplete(t *testing.T) {
	s := completeState()
	s.Complete = false

	_, err := Advance(s)
	require.ErrorIs(t, err, ErrNotComplete)
	assert.Equal(t, 1, s.CurrentPhase)
}

func TestAdvanceStopsAtCeiling(t *testing.T) {
	s := completeState()
	s.CurrentPhase = 2

	_, err := Advance(s)
	require.ErrorIs(t, err, ErrAtCeiling)
	assert.Equal(t, 2, s.CurrentPhase)
}

func TestTerminal(t *testing.T) {
	s := completeState()
	assert.False(t, Terminal(s))

	s.CurrentPhase = 2
	assert.True(t, Terminal(s))

	s.Complete = false
	assert.False(t, Terminal(s))
}

func TestDescribe(t *testing.T) {
	s := completeState()
	assert.Equal(t, "phase 1/2 (surface)", Describe(s))

	s.CurrentPhase = 2
	assert.Equal(t, "phase 2/2 (depth)", Describe(s))

	s.Plan = nil
	assert.Equal(t, "phase 2/2", Describe(s))
}
