package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// EmbeddingFunc turns text into a vector. It matches chromem's
// signature so one implementation serves both backends.
type EmbeddingFunc func(ctx context.Context, text string) ([]float32, error)

// RemoteEmbedderConfig points at an OpenAI-compatible embeddings
// endpoint.
type RemoteEmbedderConfig struct {
	BaseURL string
	Model   string
	APIKey  string

	// Dim must match the model's output dimension; the backend sizes
	// its collection from it.
	Dim int
}

func (c *RemoteEmbedderConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base URL required")
	}
	if c.Model == "" {
		return errors.New("model required")
	}
	if c.Dim <= 0 {
		return errors.New("dimension required")
	}
	return nil
}

// RemoteEmbedding builds an embedder against the configured endpoint.
func RemoteEmbedding(cfg RemoteEmbedderConfig) (EmbeddingFunc, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating embedder config: %w", err)
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		// The client requires a token even for endpoints that ignore it.
		apiKey = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return func(ctx context.Context, text string) ([]float32, error) {
		vec, err := embedder.EmbedQuery(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embedding text: %w", err)
		}
		return vec, nil
	}, nil
}

// vectorSource decides how documents get their vectors: a remote
// embedder when configured, identity vectors otherwise.
type vectorSource struct {
	remote EmbeddingFunc
	dim    int
}

func newVectorSource(remote EmbeddingFunc, dim int) *vectorSource {
	if dim <= 0 {
		dim = defaultDim
	}
	return &vectorSource{remote: remote, dim: dim}
}

// vector returns the document vector for an id/content pair.
func (v *vectorSource) vector(ctx context.Context, id, content string) ([]float32, error) {
	if v.remote != nil {
		return v.remote(ctx, content)
	}
	return IdentityVector(id, v.dim), nil
}

// textEmbedding is the collection-level embedding function used for
// free-text queries against the stored graph.
func (v *vectorSource) textEmbedding() EmbeddingFunc {
	if v.remote != nil {
		return v.remote
	}
	return func(_ context.Context, text string) ([]float32, error) {
		return IdentityVector(NormalizeName(text), v.dim), nil
	}
}
