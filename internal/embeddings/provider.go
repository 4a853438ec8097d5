// Package embeddings turns text into fixed-dimension vectors for semantic
// search. A local ONNX model backs the real provider; a deterministic
// hash-seeded provider backs test mode. Results are cached in an LRU and can
// be generated asynchronously through a small worker pool.
package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
)

// DefaultDimension is the vector width of the default model.
const DefaultDimension = 384

// Provider produces an embedding vector for a piece of text.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Dimension() int
	Close() error
}

// DeterministicProvider generates pseudo-random unit vectors seeded by the
// text's hash. The same text always yields the same vector, so similarity
// assertions in tests are stable without a model download.
type DeterministicProvider struct {
	dimension int
}

// NewDeterministicProvider creates a test-mode provider of the given width.
func NewDeterministicProvider(dimension int) *DeterministicProvider {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &DeterministicProvider{dimension: dimension}
}

// Embed returns the hash-seeded unit vector for text.
func (p *DeterministicProvider) Embed(_ context.Context, text string) ([]float64, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	rng := rand.New(rand.NewSource(int64(h.Sum64()))) // #nosec G404 -- determinism wanted
	vec := make([]float64, p.dimension)
	var norm float64
	for i := range vec {
		vec[i] = rng.NormFloat64()
		norm += vec[i] * vec[i]
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

// Dimension returns the vector width.
func (p *DeterministicProvider) Dimension() int { return p.dimension }

// Close is a no-op.
func (p *DeterministicProvider) Close() error { return nil }

// ZeroVector returns the all-zero fallback vector of the given width.
// It participates in storage but never ranks in similarity search.
func ZeroVector(dimension int) []float64 {
	return make([]float64, dimension)
}
