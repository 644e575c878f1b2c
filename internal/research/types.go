package research

// StepKind identifies one of the eight fixed orchestration roles,
// plus the terminal FINISH sentinel.
type StepKind string

const (
	StepPlanner         StepKind = "planner"
	StepPhaseStrategist StepKind = "phase_strategist"
	StepQueryRefiner    StepKind = "query_refiner"
	StepSearchAnalyze   StepKind = "search_and_analyze"
	StepVerifier        StepKind = "verifier"
	StepRiskAssessor    StepKind = "risk_assessor"
	StepGraphBuilder    StepKind = "graph_builder"
	StepSynthesizer     StepKind = "synthesizer"

	// StepFinish is the terminal sentinel: the driver stops scheduling
	// once the supervisor returns it.
	StepFinish StepKind = "FINISH"
)

// AllStepKinds returns the eight executable step kinds (FINISH excluded).
func AllStepKinds() []StepKind {
	return []StepKind{
		StepPlanner,
		StepPhaseStrategist,
		StepQueryRefiner,
		StepSearchAnalyze,
		StepVerifier,
		StepRiskAssessor,
		StepGraphBuilder,
		StepSynthesizer,
	}
}

// JobStatus tracks a job through its lifecycle.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCancelled JobStatus = "cancelled"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	// JobError marks state-machine corruption (routing invariant
	// violations), distinct from ordinary step failures.
	JobError JobStatus = "error"
)

// Terminal reports whether the status admits no further driver passes.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCancelled, JobCompleted, JobFailed, JobError:
		return true
	}
	return false
}

// FactCategory classifies a claim by subject matter.
type FactCategory string

const (
	CategoryBiographical FactCategory = "biographical"
	CategoryProfessional FactCategory = "professional"
	CategoryFinancial    FactCategory = "financial"
	CategoryLegal        FactCategory = "legal"
	CategorySocial       FactCategory = "social"
	CategoryBehavioral   FactCategory = "behavioral"
)

// SourceType classifies where a fact was found.
type SourceType string

const (
	SourceOfficial SourceType = "official"
	SourceNews     SourceType = "news"
	SourceSocial   SourceType = "social"
	SourceForum    SourceType = "forum"
	SourceFiling   SourceType = "filing"
	SourceUnknown  SourceType = "unknown"
)

// EntityType classifies a graph node.
type EntityType string

const (
	EntityPerson       EntityType = "person"
	EntityOrganization EntityType = "organization"
	EntityFund         EntityType = "fund"
	EntityLocation     EntityType = "location"
	EntityEvent        EntityType = "event"
	EntityDocument     EntityType = "document"
)

// RiskCategory classifies a risk flag.
type RiskCategory string

const (
	RiskLegal        RiskCategory = "legal"
	RiskFinancial    RiskCategory = "financial"
	RiskReputational RiskCategory = "reputational"
	RiskBehavioral   RiskCategory = "behavioral"
	RiskNetwork      RiskCategory = "network"
)

// RiskSeverity grades a risk flag.
type RiskSeverity string

const (
	SeverityLow      RiskSeverity = "low"
	SeverityMedium   RiskSeverity = "medium"
	SeverityHigh     RiskSeverity = "high"
	SeverityCritical RiskSeverity = "critical"
)

// AtLeast reports whether s is at or above the given severity.
func (s RiskSeverity) AtLeast(min RiskSeverity) bool {
	return severityRank(s) >= severityRank(min)
}

func severityRank(s RiskSeverity) int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// RelationType labels an edge between two graph entities.
type RelationType string

const (
	RelWorksAt        RelationType = "WORKS_AT"
	RelOwns           RelationType = "OWNS"
	RelBoardMemberOf  RelationType = "BOARD_MEMBER_OF"
	RelAssociatedWith RelationType = "ASSOCIATED_WITH"
	RelLitigated      RelationType = "LITIGATED"
	RelManages        RelationType = "MANAGES"
	RelInvestedIn     RelationType = "INVESTED_IN"
	RelLocatedIn      RelationType = "LOCATED_IN"
	RelMentionedIn    RelationType = "MENTIONED_IN"
)

// TargetDescriptor identifies the subject under investigation.
type TargetDescriptor struct {
	// Name is the subject's name. Required.
	Name string `json:"name"`

	// Context is free-text background supplied at submission.
	Context string `json:"context,omitempty"`

	// Objectives are ordered objective tags (e.g. "background",
	// "financial", "legal") steering planning.
	Objectives []string `json:"objectives,omitempty"`
}

// PhaseDescriptor describes one planned phase of investigation depth.
type PhaseDescriptor struct {
	Number      int      `json:"number"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	QuerySeeds  []string `json:"query_seeds,omitempty"`
}

// Plan is the ordered list of phase descriptors produced by the planner.
type Plan struct {
	Phases    []PhaseDescriptor `json:"phases"`
	Rationale string            `json:"rationale,omitempty"`
}

// Phase returns the descriptor for a 1-based phase number, or nil.
func (p *Plan) Phase(n int) *PhaseDescriptor {
	if p == nil || n < 1 || n > len(p.Phases) {
		return nil
	}
	return &p.Phases[n-1]
}

// Fact is a single extracted claim with provenance.
type Fact struct {
	Claim      string       `json:"claim"`
	SourceURL  string       `json:"source_url"`
	SourceType SourceType   `json:"source_type"`
	Category   FactCategory `json:"category"`
	Confidence float64      `json:"confidence"`
	Verified   bool         `json:"verified"`
	Phase      int          `json:"phase"`
}

// Entity is a typed node extracted during analysis.
type Entity struct {
	Name       string            `json:"name"`
	Type       EntityType        `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
	SourceURL  string            `json:"source_url,omitempty"`
	Phase      int               `json:"phase"`
}

// VerifiedFact is a fact that survived cross-referencing.
type VerifiedFact struct {
	Claim                string   `json:"claim"`
	OriginalClaim        string   `json:"original_claim,omitempty"`
	Confidence           float64  `json:"confidence"`
	Method               string   `json:"method,omitempty"`
	SupportingSources    []string `json:"supporting_sources,omitempty"`
	ContradictingSources []string `json:"contradicting_sources,omitempty"`
}

// Contradiction records two claims that cannot both hold.
type Contradiction struct {
	ClaimA     string `json:"claim_a"`
	ClaimB     string `json:"claim_b"`
	SourceA    string `json:"source_a,omitempty"`
	SourceB    string `json:"source_b,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

// RiskFlag is a concern raised by the risk assessor.
type RiskFlag struct {
	Category    RiskCategory `json:"category"`
	Severity    RiskSeverity `json:"severity"`
	Confidence  float64      `json:"confidence"`
	Description string       `json:"description"`

	// FactIndices point into State.Facts for supporting evidence.
	FactIndices []int `json:"fact_indices,omitempty"`

	// FollowUpQueries are recommended searches; high-severity flags
	// feed these back into the pending queue.
	FollowUpQueries []string `json:"follow_up_queries,omitempty"`
}
