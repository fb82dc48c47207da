package embeddings

import (
	"context"
	"errors"
	"fmt"

	lcembeddings "github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIProvider embeds text through any OpenAI-compatible endpoint.
// The model is fixed when the client is built, so Embed rejects other names.
type OpenAIProvider struct {
	model    string
	embedder lcembeddings.Embedder
}

// NewOpenAIProvider builds a langchaingo embedder for baseURL and model.
// An empty token sends "none", which local servers accept.
func NewOpenAIProvider(baseURL, token, model string) (*OpenAIProvider, error) {
	if token == "" {
		token = "none"
	}
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithEmbeddingModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}
	embedder, err := lcembeddings.NewEmbedder(client, lcembeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return &OpenAIProvider{model: model, embedder: embedder}, nil
}

// Embed embeds one text
func (p *OpenAIProvider) Embed(ctx context.Context, model, text string) ([]float32, error) {
	if model != p.model {
		return nil, fmt.Errorf("openai provider is bound to model %q, got %q", p.model, model)
	}
	vecs, err := p.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, errors.New("openai returned no embedding")
	}
	return vecs[0], nil
}
