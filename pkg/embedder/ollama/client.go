// Package ollama provides an embedding provider backed by a local
// Ollama instance. It needs no API key, which makes it the natural choice
// for fully-offline setups.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// DefaultBaseURL is the default Ollama endpoint.
const DefaultBaseURL = "http://localhost:11434"

// Client implements embedder.Provider using Ollama's embeddings API.
type Client struct {
	client     *http.Client
	baseURL    string
	model      string
	dimensions int
}

// Config contains configuration for creating an Ollama embedder.
type Config struct {
	// BaseURL is the Ollama endpoint (default: http://localhost:11434).
	BaseURL string

	// Model is the embedding model name (default: nomic-embed-text).
	Model string

	// Dimensions is the vector dimension (default: 768 for nomic-embed-text).
	Dimensions int

	// HTTPClient is a custom HTTP client (uses http.DefaultClient if nil).
	HTTPClient *http.Client
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// NewClient creates a new Ollama embedding client.
func NewClient(cfg *Config) (*Client, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "nomic-embed-text"
	}
	dimensions := cfg.Dimensions
	if dimensions == 0 {
		dimensions = 768
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		client:     httpClient,
		baseURL:    baseURL,
		model:      model,
		dimensions: dimensions,
	}, nil
}

// Embed converts a single text to a vector.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("ollama embedder: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama embedder: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embedder: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ollama embedder: status %d: %s", resp.StatusCode, msg)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ollama embedder: decode response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("ollama embedder: empty embedding returned")
	}
	return out.Embedding, nil
}

// EmbedBatch converts multiple texts to vectors. Ollama's API embeds one
// prompt per request, so the batch is sequential.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	vectors := make([][]float64, len(texts))
	for i, text := range texts {
		vec, err := c.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = vec
	}
	return vectors, nil
}

// Dimensions returns the configured vector dimension.
func (c *Client) Dimensions() int { return c.dimensions }

// Close releases resources.
func (c *Client) Close() error { return nil }
