package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"infinite-mcp-memory/internal/config"
	memerr "infinite-mcp-memory/internal/errors"
	"infinite-mcp-memory/internal/logging"
	"infinite-mcp-memory/internal/retry"
)

const maxLineBytes = 4 * 1024 * 1024

// HandlerFunc processes one decoded request payload.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (Response, error)

// HealthStatus values for the dispatcher.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

// HealthCounters is a snapshot of dispatcher accounting.
type HealthCounters struct {
	Status           string `json:"status"`
	RequestCount     int64  `json:"request_count"`
	ErrorCount       int64  `json:"error_count"`
	SlowRequestCount int64  `json:"slow_request_count"`
	LastError        string `json:"last_error,omitempty"`
}

type health struct {
	mu               sync.Mutex
	degraded         bool
	requestCount     int64
	errorCount       int64
	slowRequestCount int64
	lastError        string
}

func (h *health) recordRequest(slow bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requestCount++
	if slow {
		h.slowRequestCount++
	}
}

func (h *health) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.degraded = false
}

func (h *health) recordFailure(message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorCount++
	h.degraded = true
	h.lastError = message
}

func (h *health) snapshot() HealthCounters {
	h.mu.Lock()
	defer h.mu.Unlock()
	status := HealthOK
	if h.degraded {
		status = HealthDegraded
	}
	return HealthCounters{
		Status:           status,
		RequestCount:     h.requestCount,
		ErrorCount:       h.errorCount,
		SlowRequestCount: h.slowRequestCount,
		LastError:        h.lastError,
	}
}

// Server is the stdio command dispatcher. One request per line in, one
// response per line out; handlers run serialized in receive order.
type Server struct {
	handlers map[string]HandlerFunc
	retrier  *retry.Retrier
	breaker  *CircuitBreaker
	slow     time.Duration
	logger   logging.Logger
	health   *health
}

// NewServer builds a dispatcher from the server configuration.
func NewServer(cfg *config.ServerConfig, logger logging.Logger) *Server {
	return &Server{
		handlers: make(map[string]HandlerFunc),
		retrier:  retry.New(retry.Linear(cfg.MaxRetryAttempts, cfg.RetryDelay())),
		breaker:  NewCircuitBreaker(cfg.FailureThreshold, cfg.ResetTimeout()),
		slow:     cfg.SlowRequestThreshold(),
		logger:   logger.WithComponent("mcp"),
		health:   &health{},
	}
}

// Register binds a handler to an action name.
func (s *Server) Register(action string, handler HandlerFunc) {
	s.handlers[action] = handler
}

// Health returns the dispatcher's counters.
func (s *Server) Health() HealthCounters {
	return s.health.snapshot()
}

// Breaker exposes the circuit breaker for health reporting.
func (s *Server) Breaker() *CircuitBreaker { return s.breaker }

// HandleLine processes one framed request and returns the response envelope.
func (s *Server) HandleLine(ctx context.Context, line []byte) Response {
	start := time.Now()
	resp := s.dispatch(ctx, line)
	elapsed := time.Since(start)
	s.health.recordRequest(elapsed > s.slow)
	if elapsed > s.slow {
		s.logger.Warn("slow request", "elapsed", elapsed.String())
	}
	return resp
}

func (s *Server) dispatch(ctx context.Context, line []byte) Response {
	var probe requestProbe
	if err := json.Unmarshal(line, &probe); err != nil {
		s.logger.Warn("malformed request", "error", err)
		return Error("Invalid JSON", nil)
	}
	if probe.Action == "" {
		s.health.recordFailure("missing action")
		return Error("Invalid request: action is required", nil)
	}

	handler, ok := s.handlers[probe.Action]
	if !ok {
		s.health.recordFailure("unknown action " + probe.Action)
		return Error(fmt.Sprintf("Unknown action: %s", probe.Action), nil)
	}

	allowed, retryAfter := s.breaker.Allow(probe.Action)
	if !allowed {
		return Error(
			fmt.Sprintf("Action %s is temporarily unavailable, try again later", probe.Action),
			map[string]any{"retry_after": retryAfter.Seconds()},
		)
	}

	var resp Response
	result := s.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = handler(ctx, line)
		return err
	})
	if result.Err == nil {
		s.breaker.RecordSuccess(probe.Action)
		s.health.recordSuccess()
		return resp
	}

	s.breaker.RecordFailure(probe.Action)
	message := userMessage(probe.Action, result)
	s.health.recordFailure(message)
	s.logger.Error("request failed", "action", probe.Action, "attempts", result.Attempts, "error", result.Err)
	return Error(message, nil)
}

// userMessage shapes the error string without leaking internals. Retried
// failures report the attempt count; validation failures pass through.
func userMessage(action string, result *retry.Result) string {
	if !memerr.Retryable(result.Err) && result.Attempts == 1 {
		return result.Err.Error()
	}
	return fmt.Sprintf("%s failed after %d attempts: %v", action, result.Attempts, result.Err)
}

// Serve reads framed requests from r and writes responses to w until EOF or
// context cancellation. Empty lines are skipped; malformed or oversized lines
// produce an error response and the loop continues.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	reader := bufio.NewReaderSize(r, 64*1024)
	writer := bufio.NewWriter(w)

	respond := func(resp Response) error {
		if _, err := writer.Write(resp.Encode()); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
		if err := writer.Flush(); err != nil {
			return fmt.Errorf("flush response: %w", err)
		}
		return nil
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line, tooLong, err := readFrame(reader)
		if err != nil && err != io.EOF {
			return fmt.Errorf("read request: %w", err)
		}
		atEOF := err == io.EOF

		if tooLong {
			s.logger.Warn("request line too long", "limit_bytes", maxLineBytes)
			if werr := respond(Error("Invalid request: line too long", nil)); werr != nil {
				return werr
			}
		} else if line = bytes.TrimSpace(line); len(line) > 0 {
			if werr := respond(s.HandleLine(ctx, line)); werr != nil {
				return werr
			}
		}
		if atEOF {
			return nil
		}
	}
}

// readFrame reads one newline-terminated frame. Frames over maxLineBytes are
// drained without buffering and reported as tooLong so the session survives.
func readFrame(reader *bufio.Reader) (line []byte, tooLong bool, err error) {
	var buf []byte
	for {
		chunk, err := reader.ReadSlice('\n')
		if !tooLong {
			buf = append(buf, chunk...)
			if len(buf) > maxLineBytes {
				tooLong = true
				buf = nil
			}
		}
		switch err {
		case nil:
			if tooLong {
				return nil, true, nil
			}
			return buf, false, nil
		case bufio.ErrBufferFull:
			continue
		default:
			if tooLong {
				return nil, true, err
			}
			return buf, false, err
		}
	}
}
