// Package embedding wraps an embedding backend with caching and similarity
// scoring. The same text always maps to the same vector for a given model,
// so results are cached by (model, text).
package embedding

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/afslabs/companion/internal/llm"
)

// FallbackPolicy controls what happens when the embedding backend fails.
// Indexing and retrieval both surface the error: a zero vector matches
// nothing and silently corrupts similarity ranking. FallbackZeroVector is
// only for paths where a throwaway vector is acceptable, such as cache
// warm-up.
type FallbackPolicy int

const (
	// FallbackError returns the backend error to the caller.
	FallbackError FallbackPolicy = iota
	// FallbackZeroVector returns a zero vector of the last-seen dimension.
	FallbackZeroVector
)

// DimensionMismatchError reports two vectors of disagreeing lengths.
type DimensionMismatchError struct {
	LenA, LenB int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: %d vs %d", e.LenA, e.LenB)
}

// EmbeddingError wraps a backend failure with the model that produced it.
type EmbeddingError struct {
	Model string
	Err   error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding with %s failed: %v", e.Model, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// Provider generates embeddings through a backend with an LRU result cache.
type Provider struct {
	backend llm.EmbeddingGenerator
	cache   *lru.Cache[string, []float32]
	policy  FallbackPolicy

	mu      sync.Mutex // guards lastDim
	lastDim int
}

// NewProvider creates a provider over the given backend. cacheSize is the
// number of (model, text) entries kept.
func NewProvider(backend llm.EmbeddingGenerator, cacheSize int, policy FallbackPolicy) (*Provider, error) {
	if cacheSize <= 0 {
		cacheSize = 2048
	}
	cache, err := lru.New[string, []float32](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	return &Provider{backend: backend, cache: cache, policy: policy}, nil
}

// Embed returns the vector for text, from cache when possible. On backend
// failure the configured fallback policy applies.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	key := p.backend.GetModel() + "\x00" + text
	if vec, ok := p.cache.Get(key); ok {
		return vec, nil
	}

	vec, err := p.backend.Embed(ctx, text)
	if err != nil {
		if p.policy == FallbackZeroVector {
			p.mu.Lock()
			dim := p.lastDim
			p.mu.Unlock()
			if dim > 0 {
				log.Printf("[Embedding] backend failed, degrading to zero vector: %v", err)
				return make([]float32, dim), nil
			}
		}
		return nil, &EmbeddingError{Model: p.backend.GetModel(), Err: err}
	}

	p.mu.Lock()
	p.lastDim = len(vec)
	p.mu.Unlock()
	p.cache.Add(key, vec)
	return vec, nil
}

// EmbedBatch embeds texts one by one, preserving order. The first backend
// failure aborts the batch; partial results are never returned.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for i, text := range texts {
		vec, err := p.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		out = append(out, vec)
	}
	return out, nil
}

// Model returns the backend model name.
func (p *Provider) Model() string {
	return p.backend.GetModel()
}

// CosineSimilarity returns the cosine similarity of two vectors mapped from
// [-1, 1] to [0, 1], so 1 means identical direction, 0.5 orthogonal, and 0
// opposite. Zero-magnitude vectors score 0.5 against everything.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, &DimensionMismatchError{LenA: len(a), LenB: len(b)}
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0.5, nil
	}

	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Guard against float drift outside [-1, 1].
	cos = math.Max(-1, math.Min(1, cos))
	return (cos + 1) / 2, nil
}
