package modelrouter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/researchd/internal/research"
)

// Request is one generation request. Steps fill it with their prompt
// pair and sampling knobs; the router decides which model serves it.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Usage is the token accounting for one successful generation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is the raw model output before parsing.
type Response struct {
	Text  string
	Usage Usage
}

// Provider is one model endpoint the router can try.
type Provider interface {
	// Name returns the gateway model slug, e.g. "openai/gpt-4.1-mini".
	Name() string

	Generate(ctx context.Context, req *Request) (*Response, error)
}

// ParseFunc validates and decodes raw model text into the caller's
// structure. A non-nil error counts as a schema failure and sends the
// router to the next provider in the chain.
type ParseFunc func(text string) error

// Result is a successful invocation: the text that parsed, the model
// that produced it, and any failed attempts that preceded it.
type Result struct {
	Text     string
	Model    string
	Usage    Usage
	Attempts []Attempt
}

// FailureKind classifies why a provider attempt failed.
type FailureKind string

const (
	FailTimeout     FailureKind = "timeout"
	FailRateLimited FailureKind = "rate_limited"
	FailProvider    FailureKind = "provider_error"
	FailSchema      FailureKind = "schema_validation"
)

// Attempt records one failed try against one provider.
type Attempt struct {
	Model   string        `json:"model"`
	Kind    FailureKind   `json:"kind"`
	Err     string        `json:"error"`
	Elapsed time.Duration `json:"elapsed"`
}

// ProviderExhaustedError means every provider in a step's chain failed.
// Attempts preserve chain order so the caller can see exactly what
// happened at each hop.
type ProviderExhaustedError struct {
	Step     research.StepKind
	Attempts []Attempt
}

func (e *ProviderExhaustedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %s: %s", a.Model, a.Kind, a.Err)
	}
	return fmt.Sprintf("modelrouter: chain exhausted for %s after %d attempts [%s]",
		e.Step, len(e.Attempts), strings.Join(parts, "; "))
}

// Chains maps each model-backed step to its ordered provider slugs.
type Chains map[research.StepKind][]string

// DefaultChains returns the stock routing: strong models for planning
// and synthesis, cheap fast ones for query refinement and per-result
// analysis.
func DefaultChains() Chains {
	reasoning := []string{"anthropic/claude-sonnet-4.6", "openai/gpt-4.1", "google/gemini-2.5-pro"}
	return Chains{
		research.StepPlanner:         reasoning,
		research.StepPhaseStrategist: reasoning,
		research.StepSynthesizer:     reasoning,
		research.StepQueryRefiner:    {"openai/gpt-4.1-mini", "google/gemini-2.5-flash"},
		research.StepSearchAnalyze:   {"google/gemini-2.5-flash", "openai/gpt-4.1-mini"},
		research.StepVerifier:        {"openai/gpt-4.1-mini", "anthropic/claude-sonnet-4.6"},
		research.StepRiskAssessor:    {"anthropic/claude-sonnet-4.6", "x-ai/grok-3"},
	}
}

// Validate rejects chains with unknown steps or empty slugs.
func (c Chains) Validate() error {
	for step, slugs := range c {
		if len(slugs) == 0 {
			return fmt.Errorf("chain for %s is empty", step)
		}
		for _, slug := range slugs {
			if strings.TrimSpace(slug) == "" {
				return fmt.Errorf("chain for %s has a blank model slug", step)
			}
		}
	}
	return nil
}
