package embedding

import (
	"context"
	"errors"
	"math"
)

// ErrUnavailable wraps transport-level failures so callers can decide
// between degrading and propagating.
var ErrUnavailable = errors.New("embedding provider unavailable")

// Provider generates vector embeddings from text. Query and document modes
// are separate because most providers optimize the two asymmetrically.
type Provider interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider       string `json:"provider"` // "api" or "local"
	Endpoint       string `json:"endpoint"`
	Model          string `json:"model"`
	APIKey         string `json:"api_key"`
	Dimension      int    `json:"dimension"`
	QueryPrefix    string `json:"query_prefix,omitempty"`    // e.g. "query: " for e5-style models
	DocumentPrefix string `json:"document_prefix,omitempty"` // e.g. "passage: "
}

// Cosine returns the cosine similarity of two vectors in [-1, 1].
// Mismatched or zero-magnitude vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
