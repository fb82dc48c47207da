package embeddings

import (
	"context"
	"errors"
	"fmt"
)

// ErrDimensionMismatch is matched by every *DimensionMismatchError
var ErrDimensionMismatch = errors.New("embedding dim mismatch")

// DimensionMismatchError reports a vector whose length differs from the configured dimension
type DimensionMismatchError struct {
	Got      int
	Expected int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding dim mismatch: got %d expected %d", e.Got, e.Expected)
}

func (e *DimensionMismatchError) Is(target error) bool {
	return target == ErrDimensionMismatch
}

// Provider produces raw embedding vectors
type Provider interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// Embedder binds a provider to one model and one expected dimension
type Embedder struct {
	provider Provider
	model    string
	dim      int
}

// NewEmbedder creates an embedder for model producing dim-length vectors
func NewEmbedder(provider Provider, model string, dim int) (*Embedder, error) {
	if provider == nil {
		return nil, errors.New("embedding provider is required")
	}
	if model == "" {
		return nil, errors.New("embedding model is required")
	}
	if dim <= 0 {
		return nil, fmt.Errorf("invalid embedding dimension %d", dim)
	}
	return &Embedder{provider: provider, model: model, dim: dim}, nil
}

// Model returns the embedding model identifier
func (e *Embedder) Model() string { return e.model }

// Dim returns the expected vector length
func (e *Embedder) Dim() int { return e.dim }

// Embed returns the embedding of text, validated against the configured dimension
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.provider.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}
	if len(vec) != e.dim {
		return nil, &DimensionMismatchError{Got: len(vec), Expected: e.dim}
	}
	return vec, nil
}
