package openai

import (
	"context"
	"net/http"

	"github.com/rotisserie/eris"
)

func (c *httpClient) CreateEmbedding(ctx context.Context, input string) ([]float32, error) {
	body := map[string]any{
		"model":           c.embeddingModel,
		"input":           input,
		"encoding_format": "float",
	}
	var resp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/embeddings", body, &resp); err != nil {
		return nil, eris.Wrap(err, "openai: create embedding")
	}
	if len(resp.Data) == 0 {
		return nil, eris.New("openai: embedding response carried no data")
	}
	return resp.Data[0].Embedding, nil
}

func (c *httpClient) ListModels(ctx context.Context) ([]string, error) {
	var resp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/models", nil, &resp); err != nil {
		return nil, eris.Wrap(err, "openai: list models")
	}
	names := make([]string, 0, len(resp.Data))
	for _, m := range resp.Data {
		names = append(names, m.ID)
	}
	return names, nil
}
