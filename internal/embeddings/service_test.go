package embeddings

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"infinite-mcp-memory/internal/logging"
)

func TestDeterministicProviderIsStable(t *testing.T) {
	p := NewDeterministicProvider(384)
	ctx := context.Background()

	a1, err := p.Embed(ctx, "the quick brown fox")
	require.NoError(t, err)
	a2, err := p.Embed(ctx, "the quick brown fox")
	require.NoError(t, err)
	b, err := p.Embed(ctx, "completely different text")
	require.NoError(t, err)

	assert.Len(t, a1, 384)
	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)

	// Unit vector: self-similarity is 1.
	assert.InDelta(t, 1.0, CosineSimilarity(a1, a1), 1e-9)
	// Distinct seeds give near-orthogonal vectors, far below any
	// similarity threshold a match would need.
	assert.Less(t, CosineSimilarity(a1, b), 0.3)
}

func TestCosineSimilarityZeroVectorNeverRanks(t *testing.T) {
	zero := ZeroVector(4)
	unit := []float64{1, 0, 0, 0}

	assert.Equal(t, 0.0, CosineSimilarity(zero, unit))
	assert.Equal(t, 0.0, CosineSimilarity(unit, zero))
	assert.Equal(t, 0.0, CosineSimilarity(unit, []float64{1, 0}))
}

func TestCacheLRUEviction(t *testing.T) {
	c := NewCache(2)
	c.Put("a", []float64{1})
	c.Put("b", []float64{2})

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Put("c", []float64{3})
	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)

	stats := c.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, int64(1), stats.Evictions)
}

type countingProvider struct {
	mu    sync.Mutex
	calls int
	inner Provider
}

func (p *countingProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.inner.Embed(ctx, text)
}

func (p *countingProvider) Dimension() int { return p.inner.Dimension() }
func (p *countingProvider) Close() error   { return nil }

func (p *countingProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestGenerateUsesCache(t *testing.T) {
	p := &countingProvider{inner: NewDeterministicProvider(8)}
	s := NewServiceWithProvider(p, 10, 1, 4, logging.NewNoopLogger())

	v1 := s.Generate(context.Background(), "hello")
	v2 := s.Generate(context.Background(), "hello")
	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, p.callCount())
}

type failingProvider struct{ dim int }

func (p *failingProvider) Embed(context.Context, string) ([]float64, error) {
	return nil, errors.New("model exploded")
}
func (p *failingProvider) Dimension() int { return p.dim }
func (p *failingProvider) Close() error   { return nil }

func TestGenerateFallsBackToZeroVector(t *testing.T) {
	s := NewServiceWithProvider(&failingProvider{dim: 4}, 10, 1, 4, logging.NewNoopLogger())

	vec := s.Generate(context.Background(), "anything")
	assert.Equal(t, ZeroVector(4), vec)
	// Failures are not cached; a recovered provider would be retried.
	assert.Equal(t, 0, s.cache.Len())
}

func TestGenerateEmptyTextIsZeroVector(t *testing.T) {
	p := &countingProvider{inner: NewDeterministicProvider(8)}
	s := NewServiceWithProvider(p, 10, 1, 4, logging.NewNoopLogger())

	vec := s.Generate(context.Background(), "")
	assert.Equal(t, ZeroVector(8), vec)
	assert.Equal(t, 0, p.callCount())
}

func TestGenerateAsyncDeliversResult(t *testing.T) {
	s := NewServiceWithProvider(NewDeterministicProvider(8), 10, 2, 16, logging.NewNoopLogger())
	s.Start()
	defer s.Stop()

	done := make(chan []float64, 1)
	s.GenerateAsync("async text", func(vec []float64) { done <- vec })

	select {
	case vec := <-done:
		assert.Len(t, vec, 8)
	case <-time.After(2 * time.Second):
		t.Fatal("async embedding never delivered")
	}
}

func TestGenerateAsyncCacheHitSkipsQueue(t *testing.T) {
	p := &countingProvider{inner: NewDeterministicProvider(8)}
	s := NewServiceWithProvider(p, 10, 1, 4, logging.NewNoopLogger())
	s.Start()
	defer s.Stop()

	want := s.Generate(context.Background(), "warm text")
	require.Equal(t, 1, p.callCount())

	// A cached text is answered in the caller, before GenerateAsync returns,
	// without another provider call.
	var got []float64
	s.GenerateAsync("warm text", func(vec []float64) { got = vec })
	assert.Equal(t, want, got)
	assert.Equal(t, 1, p.callCount())
}

func TestGenerateAsyncFallsBackWhenStopped(t *testing.T) {
	s := NewServiceWithProvider(NewDeterministicProvider(8), 10, 1, 4, logging.NewNoopLogger())
	// Never started: the callback must still run, synchronously.
	ran := false
	s.GenerateAsync("text", func(vec []float64) {
		ran = true
		assert.Len(t, vec, 8)
	})
	assert.True(t, ran)
}

func TestServiceRestart(t *testing.T) {
	s := NewServiceWithProvider(NewDeterministicProvider(8), 10, 1, 4, logging.NewNoopLogger())
	s.Start()
	s.Stop()
	s.Start()
	defer s.Stop()

	done := make(chan struct{})
	s.GenerateAsync("after restart", func([]float64) { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("restarted pool did not process job")
	}
}
