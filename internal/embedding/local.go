package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// LocalProvider implements Provider using an Ollama-compatible embeddings API.
type LocalProvider struct {
	endpoint  string
	model     string
	dimension int
	queryPfx  string
	docPfx    string

	once    sync.Once
	dimOnce int
}

// NewLocalProvider creates a new LocalProvider from the given Config.
func NewLocalProvider(cfg Config) *LocalProvider {
	return &LocalProvider{
		endpoint:  cfg.Endpoint,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		queryPfx:  cfg.QueryPrefix,
		docPfx:    cfg.DocumentPrefix,
	}
}

type localRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type localResponse struct {
	Embedding []float32 `json:"embedding"`
}

// EmbedQuery embeds a single search-side text.
func (p *LocalProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vec, err := p.embedSingle(ctx, p.queryPfx+text)
	if err != nil {
		return nil, err
	}
	p.cacheDimension(vec)
	return vec, nil
}

// EmbedDocuments embeds each corpus-side text with one request per text;
// the Ollama API has no batch endpoint.
func (p *LocalProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	embeddings := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := p.embedSingle(ctx, p.docPfx+text)
		if err != nil {
			return nil, err
		}
		embeddings = append(embeddings, vec)
	}

	if len(embeddings) > 0 {
		p.cacheDimension(embeddings[0])
	}
	return embeddings, nil
}

func (p *LocalProvider) cacheDimension(vec []float32) {
	if len(vec) > 0 {
		p.once.Do(func() {
			p.dimOnce = len(vec)
		})
	}
}

func (p *LocalProvider) embedSingle(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(localRequest{
		Model:  p.model,
		Prompt: text,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: send request: %w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding: API returned status %d: %s: %w", resp.StatusCode, string(respBody), ErrUnavailable)
	}

	var result localResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("embedding: decode response: %w", err)
	}

	return result.Embedding, nil
}

// Dimension returns the embedding vector dimension.
// It returns the cached dimension from the first result, or the configured default.
func (p *LocalProvider) Dimension() int {
	if p.dimOnce > 0 {
		return p.dimOnce
	}
	return p.dimension
}
