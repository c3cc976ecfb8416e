package openai

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/veritas/internal/domain"
)

const embeddingsPath = "/v1/embeddings"

// Embedder calls the /v1/embeddings endpoint. It satisfies cache.Embedder.
type Embedder struct {
	client    *Client
	dimension int
}

// NewEmbedder creates an embedding client for model. A positive dimension is
// requested from the API and checked against the returned vector.
func NewEmbedder(apiKey, model string, dimension int, logger *slog.Logger, opts ...Option) *Embedder {
	return &Embedder{
		client:    NewClient(apiKey, model, logger, opts...),
		dimension: dimension,
	}
}

// Embed returns the embedding of text tagged with its model and dimension.
func (e *Embedder) Embed(ctx context.Context, text string) (*domain.Embedding, error) {
	req := embeddingRequest{
		Model:      e.client.model,
		Input:      text,
		Dimensions: e.dimension,
	}

	var resp embeddingResponse
	if err := e.client.post(ctx, embeddingsPath, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embedding response has no vector")
	}

	vec := resp.Data[0].Embedding
	if e.dimension > 0 && len(vec) != e.dimension {
		return nil, fmt.Errorf("embedding dimension %d, expected %d", len(vec), e.dimension)
	}
	model := resp.Model
	if model == "" {
		model = e.client.model
	}
	return &domain.Embedding{
		Vector: vec,
		Model:  model,
		Dim:    len(vec),
	}, nil
}

type embeddingRequest struct {
	Model      string `json:"model"`
	Input      string `json:"input"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}
