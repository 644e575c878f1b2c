package steps

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/researchd/internal/research"
	"github.com/fyrsmithlabs/researchd/internal/search"
)

const plannerSystemPrompt = `You are a senior open-source-intelligence analyst planning a phased background investigation of a target. Design a focused plan that starts with the surface layer (bio, roles, public profiles) and deepens only where the objectives demand it (corporate structure, legal and regulatory history, relationship network, deep background). Queries must be concrete and target-specific, never generic. Never fabricate information about the target and never propose queries against private or unlawful sources. Respond ONLY with valid JSON:
{
  "phases": [
    {"number": 1, "name": "Surface Layer", "description": "what this phase establishes", "queries": ["specific query", "..."]}
  ],
  "rationale": "one short paragraph on the investigation strategy"
}`

const refinerSystemPrompt = `You are a search query specialist for an ongoing background investigation. Given the current phase goals, the queries already executed, and the findings so far, produce the next batch of search queries. Build on what has been learned: use discovered names, organizations, and locations to sharpen queries. Never repeat an executed query and never pad the list with near-duplicates. Respond ONLY with valid JSON:
{"queries": ["specific query", "..."]}`

const analyzeSystemPrompt = `You are an intelligence analyst extracting structured findings from web search results. Work strictly from the provided results: every fact needs a source URL from the results and a calibrated confidence. Extract the entities involved with whatever attributes the text supports. Do not infer facts the sources do not state. Respond ONLY with valid JSON:
{
  "facts": [
    {"claim": "...", "category": "biographical|professional|financial|legal|social|behavioral", "confidence": 0.0, "source_url": "...", "source_type": "official|news|social|forum|filing|unknown"}
  ],
  "entities": [
    {"name": "...", "type": "person|organization|fund|location|event|document", "attributes": {"role": "...", "location": "..."}, "source_url": "..."}
  ]
}`

const verifierSystemPrompt = `You are a verification analyst cross-referencing claims about an investigation target. For each fact, judge how well its source and the other provided material corroborate it, assign a final confidence, and name the method that justifies it. Flag any pair of claims that cannot both be true. Be skeptical of self-reported and single-source claims. Respond ONLY with valid JSON:
{
  "verified_facts": [
    {"claim": "...", "original_claim": "...", "confidence": 0.0, "method": "cross_referenced|web_verified|self_reported_only|unverifiable", "supporting_sources": ["url"], "contradicting_sources": []}
  ],
  "contradictions": [
    {"claim_a": "...", "claim_b": "...", "source_a": "url", "source_b": "url", "resolution": "which claim is more credible and why"}
  ]
}`

const riskSystemPrompt = `You are a due-diligence risk analyst. Review the new findings for red flags: legal exposure, financial irregularities, reputational hazards, behavioral patterns, and concerning network connections. Do not re-raise flags already recorded; escalate instead when new evidence strengthens one. fact_indices are zero-based positions in the numbered fact list you were given. For every high or critical flag, propose follow-up queries that would confirm or refute it. Respond ONLY with valid JSON:
{
  "risk_flags": [
    {"description": "...", "category": "legal|financial|reputational|behavioral|network", "severity": "low|medium|high|critical", "confidence": 0.0, "fact_indices": [0], "follow_up_queries": ["..."]}
  ]
}`

const strategistSystemPrompt = `You direct an investigation that has completed its first phase. Read the findings and decide, on evidence rather than reflex, whether deeper phases are justified. Corporate signals (named companies, officer roles, filings) justify a corporate-structure phase; legal signals (litigation mentions, regulatory exposure, credential doubts) justify a legal phase; several connected entities justify a network-mapping phase; a thin footprint despite a high-stakes role justifies a deep-background phase. If the first phase already answers the objectives, synthesize instead of over-investigating. Respond ONLY with valid JSON:
{
  "action": "add_phases" or "synthesize",
  "phases_to_add": [
    {"name": "...", "description": "tailored to the signals detected", "queries": ["specific query using names found in phase 1"]}
  ],
  "reasoning": "which signals drove the decision"
}
When action is "synthesize", phases_to_add must be empty.`

const synthesizerSystemPrompt = `You write the final report of a background investigation. Use only the findings provided; never import outside knowledge and never soften or inflate what the evidence shows. Unverified material must be labeled as such. Write Markdown with these sections: Executive Summary, Subject Profile, Key Findings, Risk Assessment, Entity Network, Contradictions and Open Questions, Methodology. Cite source URLs inline where a finding has one.`

func targetBlock(t research.TargetDescriptor) string {
	var b strings.Builder
	b.WriteString("Target: ")
	b.WriteString(t.Name)
	if t.Context != "" {
		b.WriteString("\nContext: ")
		b.WriteString(t.Context)
	}
	if len(t.Objectives) > 0 {
		b.WriteString("\nObjectives: ")
		b.WriteString(strings.Join(t.Objectives, ", "))
	}
	return b.String()
}

func instructionsBlock(instructions string) string {
	if strings.TrimSpace(instructions) == "" {
		return ""
	}
	return "\nRouting note: " + instructions + "\n"
}

func buildPlannerPrompt(t research.TargetDescriptor, maxPhases int, instructions string) string {
	var b strings.Builder
	b.WriteString(targetBlock(t))
	b.WriteString(instructionsBlock(instructions))
	fmt.Fprintf(&b, "\nProduce a plan of at most %d phases, each with 3-6 queries. Generate the research plan now.", maxPhases)
	return b.String()
}

func buildRefinerPrompt(s *research.State, phase *research.PhaseDescriptor, limit int, instructions string) string {
	var b strings.Builder
	b.WriteString(targetBlock(s.Target))
	b.WriteString(instructionsBlock(instructions))

	fmt.Fprintf(&b, "\nCurrent phase %d", s.CurrentPhase)
	if phase != nil {
		fmt.Fprintf(&b, ": %s\n%s", phase.Name, phase.Description)
		if len(phase.QuerySeeds) > 0 {
			b.WriteString("\nSeed queries for this phase:\n")
			for _, q := range phase.QuerySeeds {
				b.WriteString("- " + q + "\n")
			}
		}
	}

	if recent := lastFacts(s.Facts, 10); len(recent) > 0 {
		b.WriteString("\nRecent findings:\n")
		for _, f := range recent {
			fmt.Fprintf(&b, "- [%s] %s\n", f.Category, truncate(f.Claim, 200))
		}
	} else {
		b.WriteString("\nNo findings yet.\n")
	}

	if len(s.ExecutedQueries) > 0 {
		b.WriteString("\nAlready executed (do not repeat):\n")
		start := len(s.ExecutedQueries) - 20
		if start < 0 {
			start = 0
		}
		for _, q := range s.ExecutedQueries[start:] {
			b.WriteString("- " + q + "\n")
		}
	}

	fmt.Fprintf(&b, "\nGenerate up to %d new queries for this phase.", limit)
	return b.String()
}

func buildAnalyzePrompt(s *research.State, phase *research.PhaseDescriptor, byQuery map[string][]search.Result, instructions string) string {
	var b strings.Builder
	b.WriteString(targetBlock(s.Target))
	b.WriteString(instructionsBlock(instructions))

	if phase != nil {
		fmt.Fprintf(&b, "\nPhase %d: %s (%s)\n", s.CurrentPhase, phase.Name, phase.Description)
	}

	b.WriteString("\nSearch results by query:\n")
	for query, results := range byQuery {
		fmt.Fprintf(&b, "\n## Query: %s\n", query)
		if len(results) == 0 {
			b.WriteString("(no results)\n")
			continue
		}
		for _, r := range results {
			fmt.Fprintf(&b, "- %s\n  URL: %s\n  %s\n", r.Title, r.URL, truncate(r.Content, 1500))
		}
	}

	b.WriteString("\nExtract all facts and entities these results support.")
	return b.String()
}

func buildVerifierPrompt(s *research.State, newFacts []research.Fact, instructions string) string {
	var b strings.Builder
	b.WriteString(targetBlock(s.Target))
	b.WriteString(instructionsBlock(instructions))

	fmt.Fprintf(&b, "\n%d facts need verification:\n", len(newFacts))
	b.WriteString(factsJSON(newFacts, 50_000))
	b.WriteString("\nAssess every fact listed and report contradictions between any claims.")
	return b.String()
}

func buildRiskPrompt(s *research.State, newFacts []research.Fact, instructions string) string {
	var b strings.Builder
	b.WriteString(targetBlock(s.Target))
	b.WriteString(instructionsBlock(instructions))

	if len(s.RiskFlags) > 0 {
		b.WriteString("\nFlags already raised (do not duplicate):\n")
		for _, f := range s.RiskFlags {
			fmt.Fprintf(&b, "- [%s/%s] %s\n", f.Category, f.Severity, truncate(f.Description, 160))
		}
	}

	fmt.Fprintf(&b, "\nNew facts to assess (numbered from 0):\n")
	for i, f := range newFacts {
		fmt.Fprintf(&b, "%d. [%s, confidence %.2f] %s (source: %s)\n",
			i, f.Category, f.Confidence, truncate(f.Claim, 300), f.SourceURL)
	}

	if verified := lastVerified(s.VerifiedFacts, 8); len(verified) > 0 {
		b.WriteString("\nRecently verified context:\n")
		for _, v := range verified {
			fmt.Fprintf(&b, "- %s (%s, confidence %.2f)\n", truncate(v.Claim, 200), v.Method, v.Confidence)
		}
	}

	if len(s.Contradictions) > 0 {
		b.WriteString("\nKnown contradictions:\n")
		for _, c := range s.Contradictions {
			fmt.Fprintf(&b, "- %q vs %q\n", truncate(c.ClaimA, 120), truncate(c.ClaimB, 120))
		}
	}

	b.WriteString("\nConduct the risk assessment now. Be thorough and unflinching.")
	return b.String()
}

func buildStrategistPrompt(s *research.State, instructions string) string {
	var b strings.Builder
	b.WriteString(targetBlock(s.Target))
	b.WriteString(instructionsBlock(instructions))
	b.WriteString("\nPhase 1 findings:\n")
	b.WriteString(findingsSummary(s))
	b.WriteString("\nEvaluate the findings and decide the next steps.")
	return b.String()
}

func buildSynthesizerPrompt(s *research.State, instructions string) string {
	var b strings.Builder
	b.WriteString(targetBlock(s.Target))
	b.WriteString(instructionsBlock(instructions))

	fmt.Fprintf(&b, "\nInvestigation scope: %d phases completed, %d searches executed, %d facts extracted, %d graph nodes.\n",
		s.CurrentPhase, s.SearchesCount, len(s.Facts), s.GraphNodesCount)

	b.WriteString("\nVerified facts:\n")
	b.WriteString(verifiedJSON(s.VerifiedFacts, 30_000))

	b.WriteString("\nEntities:\n")
	b.WriteString(entitiesJSON(s.Entities, 15_000))

	b.WriteString("\nRisk flags:\n")
	b.WriteString(riskJSON(s.RiskFlags, 15_000))

	if len(s.Contradictions) > 0 {
		b.WriteString("\nContradictions:\n")
		for _, c := range s.Contradictions {
			fmt.Fprintf(&b, "- %q vs %q: %s\n", truncate(c.ClaimA, 150), truncate(c.ClaimB, 150), c.Resolution)
		}
	}

	if unverified := s.Facts[min(s.FactsVerifiedCount, len(s.Facts)):]; len(unverified) > 0 {
		b.WriteString("\nFacts never verified (label accordingly if used):\n")
		for _, f := range lastFacts(unverified, 10) {
			fmt.Fprintf(&b, "- %s\n", truncate(f.Claim, 200))
		}
	}

	b.WriteString("\nWrite the complete investigation report now.")
	return b.String()
}

// findingsSummary condenses accumulated findings for the strategist.
func findingsSummary(s *research.State) string {
	var b strings.Builder

	if recent := lastFacts(s.Facts, 15); len(recent) > 0 {
		b.WriteString("### Extracted Facts\n")
		for _, f := range recent {
			fmt.Fprintf(&b, "- [%s] %s (confidence %.2f)\n", f.Category, truncate(f.Claim, 200), f.Confidence)
		}
		if len(s.Facts) > 15 {
			fmt.Fprintf(&b, "... and %d more\n", len(s.Facts)-15)
		}
	}

	if len(s.Entities) > 0 {
		b.WriteString("\n### Entities Discovered\n")
		start := len(s.Entities) - 10
		if start < 0 {
			start = 0
		}
		for _, e := range s.Entities[start:] {
			fmt.Fprintf(&b, "- %s (%s)\n", e.Name, e.Type)
		}
	}

	if verified := lastVerified(s.VerifiedFacts, 8); len(verified) > 0 {
		b.WriteString("\n### Verified Facts\n")
		for _, v := range verified {
			fmt.Fprintf(&b, "- %s (confidence %.2f)\n", truncate(v.Claim, 200), v.Confidence)
		}
	}

	if len(s.RiskFlags) > 0 {
		b.WriteString("\n### Risk Flags\n")
		start := len(s.RiskFlags) - 8
		if start < 0 {
			start = 0
		}
		for _, f := range s.RiskFlags[start:] {
			fmt.Fprintf(&b, "- [%s] %s (%s)\n", f.Severity, truncate(f.Description, 200), f.Category)
		}
	}

	if len(s.Contradictions) > 0 {
		b.WriteString("\n### Contradictions\n")
		for _, c := range s.Contradictions {
			fmt.Fprintf(&b, "- %q vs %q\n", truncate(c.ClaimA, 120), truncate(c.ClaimB, 120))
		}
	}

	if b.Len() == 0 {
		return "No significant facts, entities, or risk flags extracted yet.\n"
	}
	return b.String()
}

func lastFacts(facts []research.Fact, n int) []research.Fact {
	if len(facts) <= n {
		return facts
	}
	return facts[len(facts)-n:]
}

func lastVerified(facts []research.VerifiedFact, n int) []research.VerifiedFact {
	if len(facts) <= n {
		return facts
	}
	return facts[len(facts)-n:]
}

func factsJSON(v []research.Fact, max int) string        { return marshalCapped(v, max) }
func verifiedJSON(v []research.VerifiedFact, max int) string { return marshalCapped(v, max) }
func entitiesJSON(v []research.Entity, max int) string   { return marshalCapped(v, max) }
func riskJSON(v []research.RiskFlag, max int) string     { return marshalCapped(v, max) }

func marshalCapped(v any, max int) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "[]"
	}
	return truncate(string(data), max)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
