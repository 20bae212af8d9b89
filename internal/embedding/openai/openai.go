package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"example.com/receiptops/config"

	"github.com/pkg/errors"
)

// Client talks to an OpenAI-compatible embeddings endpoint. The inference
// service itself is an external collaborator; this client only defines the
// wire contract the pipeline consumes.
type Client struct {
	baseURL   string
	apiKey    string
	model     string
	dimension int
	client    *http.Client
}

// NewClient creates a new embeddings client from configuration
func NewClient(cfg config.EmbeddingConfig) (*Client, error) {
	if cfg.Model == "" {
		return nil, errors.New("embedding model name is required")
	}
	if cfg.Dimension <= 0 {
		return nil, errors.New("embedding dimension must be positive")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	return &Client{
		baseURL:   cfg.BaseURL,
		apiKey:    apiKey,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

// Model returns the configured model identifier
func (c *Client) Model() string { return c.model }

// Dimension returns the configured vector dimensionality
func (c *Client) Dimension() int { return c.dimension }

// Embed requests a single embedding vector. Transport and 5xx failures are
// returned as-is for the caller's retry policy; the caller-supplied context
// carries the timeout.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	reqBody := struct {
		Input string `json:"input"`
		Model string `json:"model"`
	}{Input: text, Model: c.model}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal embedding request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build embedding request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "embedding request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.Errorf("embedding service returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrap(err, "failed to decode embedding response")
	}
	if len(parsed.Data) == 0 {
		return nil, errors.New("embedding service returned no vectors")
	}
	vec := parsed.Data[0].Embedding
	if len(vec) != c.dimension {
		return nil, fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(vec), c.dimension)
	}
	return vec, nil
}
