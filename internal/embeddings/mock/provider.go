package mock

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
)

// Provider is a test double for embeddings.Provider.
// It is safe for concurrent use.
type Provider struct {
	// Dim is the length of generated vectors. Zero means 8.
	Dim int

	// EmbedFunc replaces the default deterministic behavior when set.
	EmbedFunc func(ctx context.Context, model, text string) ([]float32, error)

	mu    sync.Mutex
	calls []string
}

// NewProvider creates a mock producing deterministic dim-length vectors
func NewProvider(dim int) *Provider {
	return &Provider{Dim: dim}
}

// Embed records the call and returns EmbedFunc's result or a hash-derived unit vector
func (p *Provider) Embed(ctx context.Context, model, text string) ([]float32, error) {
	p.mu.Lock()
	p.calls = append(p.calls, text)
	p.mu.Unlock()

	if p.EmbedFunc != nil {
		return p.EmbedFunc(ctx, model, text)
	}
	dim := p.Dim
	if dim == 0 {
		dim = 8
	}
	return Vector(text, dim), nil
}

// CallCount returns the number of Embed calls
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// Calls returns the embedded texts in call order
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// Reset clears recorded calls
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}

// Vector creates a deterministic unit vector from text.
// The same text always produces the same vector.
func Vector(text string, dim int) []float32 {
	h := fnv.New32a()
	h.Write([]byte(text))
	seed := h.Sum32()

	vector := make([]float32, dim)
	var sumSquares float64
	for i := range vector {
		seed = seed*1664525 + 1013904223
		vector[i] = float32(seed%1000)/1000.0 + 0.001
		sumSquares += float64(vector[i]) * float64(vector[i])
	}
	norm := float32(1 / math.Sqrt(sumSquares))
	for i := range vector {
		vector[i] *= norm
	}
	return vector
}
