// Package retry runs an operation with a bounded number of attempts and a
// fixed delay. The dispatcher is the only retry site in the engine; handlers
// and repositories never retry on their own.
package retry

import (
	"context"
	"fmt"
	"time"

	memerr "infinite-mcp-memory/internal/errors"
)

// Config holds retry parameters.
type Config struct {
	MaxAttempts int              // attempts before giving up; minimum 1
	Delay       time.Duration    // fixed delay between attempts
	RetryIf     func(error) bool // retry predicate; defaults to memerr.Retryable
}

// DefaultConfig matches the dispatcher defaults: three attempts, one second
// apart, skipping validation errors.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		Delay:       time.Second,
		RetryIf:     memerr.Retryable,
	}
}

// Linear builds a fixed-delay config.
func Linear(maxAttempts int, delay time.Duration) *Config {
	return &Config{MaxAttempts: maxAttempts, Delay: delay, RetryIf: memerr.Retryable}
}

// Operation is one attemptable unit of work.
type Operation func(ctx context.Context) error

// Result reports how a retried operation concluded.
type Result struct {
	Attempts int
	Duration time.Duration
	Err      error // nil on success
}

// Retrier executes operations under one retry policy.
type Retrier struct {
	config *Config
}

// New creates a retrier, filling in defaults for zero-valued fields.
func New(config *Config) *Retrier {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.RetryIf == nil {
		config.RetryIf = memerr.Retryable
	}
	return &Retrier{config: config}
}

// Do runs op up to MaxAttempts times, sleeping Delay between attempts.
// Non-retryable errors and context cancellation stop the loop early.
func (r *Retrier) Do(ctx context.Context, op Operation) *Result {
	start := time.Now()
	result := &Result{}

	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			lastErr = fmt.Errorf("context cancelled: %w", err)
			break
		}

		err := op(ctx)
		if err == nil {
			result.Duration = time.Since(start)
			return result
		}
		lastErr = err

		if !r.config.RetryIf(err) || attempt == r.config.MaxAttempts {
			break
		}

		select {
		case <-time.After(r.config.Delay):
		case <-ctx.Done():
			lastErr = fmt.Errorf("context cancelled during retry delay: %w", ctx.Err())
			result.Duration = time.Since(start)
			result.Err = lastErr
			return result
		}
	}

	result.Duration = time.Since(start)
	result.Err = lastErr
	return result
}
