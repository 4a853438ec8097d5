package embeddings

import (
	"context"
	"sync"
	"time"

	"infinite-mcp-memory/internal/config"
	"infinite-mcp-memory/internal/logging"
)

const (
	// workerPollInterval bounds how long a stopped worker keeps sleeping.
	workerPollInterval = 100 * time.Millisecond
	// stopTimeout bounds how long Stop waits for workers to drain.
	stopTimeout = 2 * time.Second
)

type job struct {
	text     string
	callback func(vector []float64)
}

// Service is the embedding front door: it caches vectors, degrades to a zero
// vector when the provider fails, and runs an optional async worker pool for
// write-path indexing.
type Service struct {
	provider     Provider
	cache        *Cache
	logger       logging.Logger
	asyncEnabled bool
	workerCount  int
	queueSize    int

	mu      sync.Mutex
	jobs    chan job
	quit    chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewService builds the embedding service from configuration. Test mode
// swaps the ONNX model for the deterministic provider; a model that fails to
// load degrades the same way so stores keep working without semantic search.
func NewService(cfg *config.EmbeddingConfig, logger logging.Logger) (*Service, error) {
	var provider Provider
	if cfg.TestMode {
		provider = NewDeterministicProvider(DefaultDimension)
	} else {
		p, err := NewFastEmbedProvider(cfg.ModelName, cfg.ModelPath)
		if err != nil {
			logger.Warn("embedding model unavailable, using deterministic fallback",
				"model", cfg.ModelName, "error", err)
			provider = NewDeterministicProvider(DefaultDimension)
		} else {
			provider = p
		}
	}
	workerCount := cfg.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Service{
		provider:     provider,
		cache:        NewCache(cfg.CacheSize),
		logger:       logger.WithComponent("embeddings"),
		asyncEnabled: cfg.AsyncEnabled,
		workerCount:  workerCount,
		queueSize:    queueSize,
	}, nil
}

// NewServiceWithProvider builds a service over an explicit provider.
func NewServiceWithProvider(provider Provider, cacheSize, workerCount, queueSize int, logger logging.Logger) *Service {
	if workerCount <= 0 {
		workerCount = 1
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Service{
		provider:     provider,
		cache:        NewCache(cacheSize),
		logger:       logger.WithComponent("embeddings"),
		asyncEnabled: true,
		workerCount:  workerCount,
		queueSize:    queueSize,
	}
}

// Dimension returns the provider's vector width.
func (s *Service) Dimension() int { return s.provider.Dimension() }

// Generate returns the embedding for text. It never returns an error: empty
// text and provider failures both degrade to the zero vector, so stores
// succeed even when the model is unavailable.
func (s *Service) Generate(ctx context.Context, text string) []float64 {
	if text == "" {
		return ZeroVector(s.provider.Dimension())
	}
	if vec, ok := s.cache.Get(text); ok {
		return vec
	}
	vec, err := s.provider.Embed(ctx, text)
	if err != nil {
		s.logger.Warn("embedding failed, storing zero vector", "error", err)
		return ZeroVector(s.provider.Dimension())
	}
	s.cache.Put(text, vec)
	return vec
}

// GenerateAsync queues text for embedding and invokes callback with the
// result from a worker goroutine. Cache hits skip the queue and invoke the
// callback in the caller. When the pool is stopped, async is disabled, or
// the queue is full, the work runs synchronously in the caller.
func (s *Service) GenerateAsync(text string, callback func(vector []float64)) {
	if vec, ok := s.cache.Get(text); ok {
		callback(vec)
		return
	}

	s.mu.Lock()
	running := s.running && s.asyncEnabled
	jobs := s.jobs
	s.mu.Unlock()

	if running {
		select {
		case jobs <- job{text: text, callback: callback}:
			return
		default:
			s.logger.Debug("embedding queue full, falling back to synchronous")
		}
	}
	callback(s.Generate(context.Background(), text))
}

// Start launches the worker pool. Starting an already-running service is a
// no-op; a stopped service can be started again.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || !s.asyncEnabled {
		return
	}
	s.jobs = make(chan job, s.queueSize)
	s.quit = make(chan struct{})
	s.running = true
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.logger.Debug("embedding workers started", "count", s.workerCount)
}

func (s *Service) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case j := <-s.jobs:
			j.callback(s.Generate(context.Background(), j.text))
		case <-time.After(workerPollInterval):
			// Re-check quit so a stop is observed even on an idle queue.
		}
	}
}

// Stop halts the worker pool, waiting up to two seconds for workers to
// finish their current job. Queued jobs that have not started are dropped.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.quit)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		s.logger.Warn("embedding workers did not stop in time")
	}
}

// CacheStats exposes cache counters for health reporting.
func (s *Service) CacheStats() CacheStats { return s.cache.Stats() }

// Close stops the workers and releases the provider.
func (s *Service) Close() error {
	s.Stop()
	return s.provider.Close()
}
