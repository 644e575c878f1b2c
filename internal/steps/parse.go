package steps

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/researchd/internal/research"
)

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*\n(.*?)\n```")

// extractJSON pulls a JSON object or array out of model text that may
// wrap it in a markdown fence or surround it with prose.
func extractJSON(raw string) string {
	if m := fenceRe.FindStringSubmatch(raw); len(m) == 2 {
		return strings.TrimSpace(m[1])
	}

	start := -1
	var closer byte
	for i := 0; i < len(raw); i++ {
		if raw[i] == '{' || raw[i] == '[' {
			start = i
			if raw[i] == '{' {
				closer = '}'
			} else {
				closer = ']'
			}
			break
		}
	}
	if start < 0 {
		return raw
	}
	for i := len(raw) - 1; i >= start; i-- {
		if raw[i] == closer {
			return raw[start : i+1]
		}
	}
	return raw
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// decodePlan parses planner output. Phases are renumbered
// sequentially and capped; an empty plan is a schema failure so the
// router can try the next provider.
func decodePlan(text string, maxPhases int) (*research.Plan, error) {
	var raw struct {
		Phases []struct {
			Number      int      `json:"number"`
			Name        string   `json:"name"`
			Description string   `json:"description"`
			Queries     []string `json:"queries"`
		} `json:"phases"`
		Rationale string `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), &raw); err != nil {
		return nil, fmt.Errorf("decoding plan: %w", err)
	}
	if len(raw.Phases) == 0 {
		return nil, errors.New("plan has no phases")
	}

	phases := raw.Phases
	if len(phases) > maxPhases {
		phases = phases[:maxPhases]
	}

	plan := &research.Plan{Rationale: strings.TrimSpace(raw.Rationale)}
	for i, p := range phases {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			name = fmt.Sprintf("Phase %d", i+1)
		}
		plan.Phases = append(plan.Phases, research.PhaseDescriptor{
			Number:      i + 1,
			Name:        name,
			Description: strings.TrimSpace(p.Description),
			QuerySeeds:  cleanQueries(p.Queries, 0),
		})
	}
	return plan, nil
}

// decodeQueries parses refiner output.
func decodeQueries(text string, limit int) ([]string, error) {
	var raw struct {
		Queries []string `json:"queries"`
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), &raw); err != nil {
		return nil, fmt.Errorf("decoding queries: %w", err)
	}
	return cleanQueries(raw.Queries, limit), nil
}

func cleanQueries(in []string, limit int) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, q := range in {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		if _, dup := seen[q]; dup {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// decodeFindings parses search-analysis output into facts and
// entities stamped with the current phase.
func decodeFindings(text string, phase int) ([]research.Fact, []research.Entity, error) {
	var raw struct {
		Facts []struct {
			Claim      string  `json:"claim"`
			Category   string  `json:"category"`
			Confidence float64 `json:"confidence"`
			SourceURL  string  `json:"source_url"`
			SourceType string  `json:"source_type"`
		} `json:"facts"`
		Entities []struct {
			Name       string            `json:"name"`
			Type       string            `json:"type"`
			Attributes map[string]string `json:"attributes"`
			SourceURL  string            `json:"source_url"`
		} `json:"entities"`
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), &raw); err != nil {
		return nil, nil, fmt.Errorf("decoding findings: %w", err)
	}

	facts := make([]research.Fact, 0, len(raw.Facts))
	for _, f := range raw.Facts {
		claim := strings.TrimSpace(f.Claim)
		if claim == "" {
			continue
		}
		facts = append(facts, research.Fact{
			Claim:      claim,
			SourceURL:  strings.TrimSpace(f.SourceURL),
			SourceType: factSource(f.SourceType),
			Category:   factCategory(f.Category),
			Confidence: clamp01(f.Confidence),
			Phase:      phase,
		})
	}

	entities := make([]research.Entity, 0, len(raw.Entities))
	for _, e := range raw.Entities {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			continue
		}
		entities = append(entities, research.Entity{
			Name:       name,
			Type:       entityType(e.Type),
			Attributes: e.Attributes,
			SourceURL:  strings.TrimSpace(e.SourceURL),
			Phase:      phase,
		})
	}
	return facts, entities, nil
}

// decodeVerification parses verifier output.
func decodeVerification(text string) ([]research.VerifiedFact, []research.Contradiction, error) {
	var raw struct {
		VerifiedFacts []struct {
			Claim                string   `json:"claim"`
			OriginalClaim        string   `json:"original_claim"`
			Confidence           float64  `json:"confidence"`
			Method               string   `json:"method"`
			SupportingSources    []string `json:"supporting_sources"`
			ContradictingSources []string `json:"contradicting_sources"`
		} `json:"verified_facts"`
		Contradictions []struct {
			ClaimA     string `json:"claim_a"`
			ClaimB     string `json:"claim_b"`
			SourceA    string `json:"source_a"`
			SourceB    string `json:"source_b"`
			Resolution string `json:"resolution"`
		} `json:"contradictions"`
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), &raw); err != nil {
		return nil, nil, fmt.Errorf("decoding verification: %w", err)
	}

	verified := make([]research.VerifiedFact, 0, len(raw.VerifiedFacts))
	for _, v := range raw.VerifiedFacts {
		claim := strings.TrimSpace(v.Claim)
		if claim == "" {
			continue
		}
		verified = append(verified, research.VerifiedFact{
			Claim:                claim,
			OriginalClaim:        strings.TrimSpace(v.OriginalClaim),
			Confidence:           clamp01(v.Confidence),
			Method:               strings.TrimSpace(v.Method),
			SupportingSources:    v.SupportingSources,
			ContradictingSources: v.ContradictingSources,
		})
	}

	contradictions := make([]research.Contradiction, 0, len(raw.Contradictions))
	for _, c := range raw.Contradictions {
		if strings.TrimSpace(c.ClaimA) == "" || strings.TrimSpace(c.ClaimB) == "" {
			continue
		}
		contradictions = append(contradictions, research.Contradiction{
			ClaimA:     strings.TrimSpace(c.ClaimA),
			ClaimB:     strings.TrimSpace(c.ClaimB),
			SourceA:    strings.TrimSpace(c.SourceA),
			SourceB:    strings.TrimSpace(c.SourceB),
			Resolution: strings.TrimSpace(c.Resolution),
		})
	}
	return verified, contradictions, nil
}

// decodeRiskFlags parses risk assessor output. factBase is the
// absolute index of the first fact in the assessed batch; model
// indices are relative to that batch.
func decodeRiskFlags(text string, factBase, factCount int) ([]research.RiskFlag, error) {
	var raw struct {
		RiskFlags []struct {
			Description     string   `json:"description"`
			Category        string   `json:"category"`
			Severity        string   `json:"severity"`
			Confidence      float64  `json:"confidence"`
			FactIndices     []int    `json:"fact_indices"`
			FollowUpQueries []string `json:"follow_up_queries"`
		} `json:"risk_flags"`
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), &raw); err != nil {
		return nil, fmt.Errorf("decoding risk flags: %w", err)
	}

	flags := make([]research.RiskFlag, 0, len(raw.RiskFlags))
	for _, f := range raw.RiskFlags {
		desc := strings.TrimSpace(f.Description)
		if desc == "" {
			continue
		}
		var indices []int
		for _, idx := range f.FactIndices {
			if idx >= 0 && idx < factCount {
				indices = append(indices, factBase+idx)
			}
		}
		flags = append(flags, research.RiskFlag{
			Category:        riskCategory(f.Category),
			Severity:        riskSeverity(f.Severity),
			Confidence:      clamp01(f.Confidence),
			Description:     desc,
			FactIndices:     indices,
			FollowUpQueries: cleanQueries(f.FollowUpQueries, 0),
		})
	}
	return flags, nil
}

// strategyDecision is the phase strategist's parsed output.
type strategyDecision struct {
	Action    string
	Phases    []research.PhaseDescriptor
	Reasoning string
}

func decodeStrategy(text string) (*strategyDecision, error) {
	var raw struct {
		Action string `json:"action"`
		Phases []struct {
			Name        string   `json:"name"`
			Description string   `json:"description"`
			Queries     []string `json:"queries"`
		} `json:"phases_to_add"`
		Reasoning string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), &raw); err != nil {
		return nil, fmt.Errorf("decoding strategy: %w", err)
	}

	action := strings.ToLower(strings.TrimSpace(raw.Action))
	switch action {
	case "add_phases", "synthesize":
	default:
		return nil, fmt.Errorf("unknown strategy action %q", raw.Action)
	}
	if action == "add_phases" && len(raw.Phases) == 0 {
		return nil, errors.New("add_phases with no phases")
	}

	d := &strategyDecision{Action: action, Reasoning: strings.TrimSpace(raw.Reasoning)}
	for _, p := range raw.Phases {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			continue
		}
		d.Phases = append(d.Phases, research.PhaseDescriptor{
			Name:        name,
			Description: strings.TrimSpace(p.Description),
			QuerySeeds:  cleanQueries(p.Queries, 0),
		})
	}
	if action == "add_phases" && len(d.Phases) == 0 {
		return nil, errors.New("add_phases with no usable phases")
	}
	return d, nil
}

func factCategory(s string) research.FactCategory {
	switch research.FactCategory(strings.ToLower(strings.TrimSpace(s))) {
	case research.CategoryBiographical:
		return research.CategoryBiographical
	case research.CategoryProfessional:
		return research.CategoryProfessional
	case research.CategoryFinancial:
		return research.CategoryFinancial
	case research.CategoryLegal:
		return research.CategoryLegal
	case research.CategorySocial:
		return research.CategorySocial
	case research.CategoryBehavioral:
		return research.CategoryBehavioral
	}
	return research.CategoryProfessional
}

func factSource(s string) research.SourceType {
	switch research.SourceType(strings.ToLower(strings.TrimSpace(s))) {
	case research.SourceOfficial:
		return research.SourceOfficial
	case research.SourceNews:
		return research.SourceNews
	case research.SourceSocial:
		return research.SourceSocial
	case research.SourceForum:
		return research.SourceForum
	case research.SourceFiling:
		return research.SourceFiling
	}
	return research.SourceUnknown
}

func entityType(s string) research.EntityType {
	switch research.EntityType(strings.ToLower(strings.TrimSpace(s))) {
	case research.EntityPerson:
		return research.EntityPerson
	case research.EntityOrganization:
		return research.EntityOrganization
	case research.EntityFund:
		return research.EntityFund
	case research.EntityLocation:
		return research.EntityLocation
	case research.EntityEvent:
		return research.EntityEvent
	case research.EntityDocument:
		return research.EntityDocument
	}
	return research.EntityOrganization
}

func riskCategory(s string) research.RiskCategory {
	switch research.RiskCategory(strings.ToLower(strings.TrimSpace(s))) {
	case research.RiskLegal:
		return research.RiskLegal
	case research.RiskFinancial:
		return research.RiskFinancial
	case research.RiskReputational:
		return research.RiskReputational
	case research.RiskBehavioral:
		return research.RiskBehavioral
	case research.RiskNetwork:
		return research.RiskNetwork
	}
	return research.RiskReputational
}

func riskSeverity(s string) research.RiskSeverity {
	switch research.RiskSeverity(strings.ToLower(strings.TrimSpace(s))) {
	case research.SeverityLow:
		return research.SeverityLow
	case research.SeverityMedium:
		return research.SeverityMedium
	case research.SeverityHigh:
		return research.SeverityHigh
	case research.SeverityCritical:
		return research.SeverityCritical
	}
	return research.SeverityLow
}

// truncate bounds prompt material; model context is finite and state
// accumulators are not.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
