package bandit

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"math"
)

// Embedder turns text into a vector. *judge.Client satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// HashEmbedding is a deterministic 32-dim pseudo-embedding: the SHA-256
// digest bytes scaled to [0,1]. Identical texts map to identical vectors.
func HashEmbedding(text string) []float64 {
	sum := sha256.Sum256([]byte(text))
	out := make([]float64, len(sum))
	for i, b := range sum {
		out[i] = float64(b) / 255
	}
	return out
}

// HashEmbedder is the Embedder used when no collaborator is configured.
type HashEmbedder struct{}

func (HashEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	return HashEmbedding(text), nil
}

// FallbackEmbedder tries Primary and degrades to HashEmbedding on error.
type FallbackEmbedder struct {
	Primary Embedder
	Logger  *slog.Logger
}

func (f FallbackEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if f.Primary != nil {
		vec, err := f.Primary.Embed(ctx, text)
		if err == nil {
			return vec, nil
		}
		if f.Logger != nil {
			f.Logger.Warn("embedding failed, using hash embedding", "component", "bandit", "error", err)
		}
	}
	return HashEmbedding(text), nil
}

// CosineSimilarity returns 0 when either vector has zero norm. Vectors of
// different length are compared over their common prefix.
func CosineSimilarity(a, b []float64) float64 {
	n := min(len(a), len(b))
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
