package embeddings

import (
	"context"

	"github.com/dream-ai/docrag/internal/ollama"
)

// OllamaProvider generates text embeddings using Ollama
type OllamaProvider struct {
	client *ollama.Client
}

// NewOllamaProvider creates a provider on top of an Ollama client
func NewOllamaProvider(client *ollama.Client) *OllamaProvider {
	return &OllamaProvider{client: client}
}

// Embed calls /api/embeddings
func (p *OllamaProvider) Embed(ctx context.Context, model, text string) ([]float32, error) {
	return p.client.Embed(ctx, model, text)
}
