// Package agent executes roster agents: it resolves the agent's provider
// credentials, sends the chat completion upstream, and records the outcome
// in shared memory.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/rosterhq/roster/internal/config"
)

// EmbeddingClient turns text into vectors via an OpenAI-style /embeddings
// endpoint. The endpoint is configurable so local embedding servers work too.
type EmbeddingClient struct {
	httpClient *http.Client
	endpoint   string
	model      string
	apiKey     string
	dimensions int
}

// NewEmbeddingClient builds a client from config. A nil httpClient falls
// back to http.DefaultClient.
func NewEmbeddingClient(cfg config.EmbeddingConfig, httpClient *http.Client) *EmbeddingClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &EmbeddingClient{
		httpClient: httpClient,
		endpoint:   cfg.Endpoint,
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		dimensions: cfg.Dimensions,
	}
}

// Enabled reports whether an embedding endpoint is configured. Memory search
// degrades to listing when it is not.
func (c *EmbeddingClient) Enabled() bool {
	return c != nil && c.endpoint != ""
}

// Embed returns the embedding vector for text.
func (c *EmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("embedding endpoint is not configured")
	}

	payload := `{}`
	payload, _ = sjson.Set(payload, "model", c.model)
	payload, _ = sjson.Set(payload, "input", text)
	if c.dimensions > 0 {
		payload, _ = sjson.Set(payload, "dimensions", c.dimensions)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader([]byte(payload)))
	if err != nil {
		return nil, fmt.Errorf("create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding endpoint returned %d: %s", resp.StatusCode, excerpt(body))
	}

	raw := gjson.GetBytes(body, "data.0.embedding")
	if !raw.Exists() || !raw.IsArray() {
		return nil, fmt.Errorf("embedding response missing data[0].embedding")
	}
	values := raw.Array()
	vec := make([]float32, 0, len(values))
	for _, v := range values {
		vec = append(vec, float32(v.Float()))
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("embedding response contained an empty vector")
	}
	return vec, nil
}

func excerpt(body []byte) string {
	const limit = 256
	if len(body) > limit {
		body = body[:limit]
	}
	return string(body)
}
