package llm

import (
	"context"
	"fmt"
	"strings"
)

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("embed: empty text")
	}
	var resp embeddingResponse
	if err := c.post(ctx, c.embedModel, "/embeddings", embeddingRequest{Model: c.embedModel, Input: text}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, &ProviderError{Provider: providerName, Model: c.embedModel, Err: fmt.Errorf("%w: empty embedding", ErrMalformed)}
	}
	return resp.Data[0].Embedding, nil
}
