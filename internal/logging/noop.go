package logging

// NoopLogger discards all log output. Useful in tests.
type NoopLogger struct{}

// NewNoopLogger creates a logger that does nothing.
func NewNoopLogger() Logger {
	return &NoopLogger{}
}

func (n *NoopLogger) Debug(msg string, fields ...any) {}
func (n *NoopLogger) Info(msg string, fields ...any)  {}
func (n *NoopLogger) Warn(msg string, fields ...any)  {}
func (n *NoopLogger) Error(msg string, fields ...any) {}

func (n *NoopLogger) WithComponent(component string) Logger { return n }
