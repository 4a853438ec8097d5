// Package logging provides structured logging for the memory engine.
// Output is JSON by default; text mode is colorized for interactive use.
// The dispatcher owns stdout for protocol responses, so all log output
// goes to stderr or to the configured log file.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Logger is the structured logging interface used across the engine.
type Logger interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)

	WithComponent(component string) Logger
}

// LogLevel represents logging levels
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// ParseLogLevel maps a config string to a level, defaulting to INFO.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Component string         `json:"component,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// StructuredLogger implements Logger with JSON or colorized text output.
type StructuredLogger struct {
	mu        *sync.Mutex
	out       io.Writer
	level     LogLevel
	component string
	useJSON   bool
}

var levelColors = map[string]*color.Color{
	"DEBUG": color.New(color.FgCyan),
	"INFO":  color.New(color.FgGreen),
	"WARN":  color.New(color.FgYellow),
	"ERROR": color.New(color.FgRed),
}

// NewLogger creates a logger writing to stderr.
func NewLogger(level LogLevel, format string) Logger {
	return &StructuredLogger{
		mu:      &sync.Mutex{},
		out:     os.Stderr,
		level:   level,
		useJSON: format != "text",
	}
}

// NewFileLogger creates a logger appending to the given file, creating parent
// directories as needed. Falls back to stderr if the file cannot be opened.
func NewFileLogger(level LogLevel, format, path string) (Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return NewLogger(level, format), err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return NewLogger(level, format), err
	}
	return &StructuredLogger{
		mu:      &sync.Mutex{},
		out:     f,
		level:   level,
		useJSON: format != "text",
	}, nil
}

// WithComponent returns a logger that tags entries with a component name.
func (l *StructuredLogger) WithComponent(component string) Logger {
	return &StructuredLogger{
		mu:        l.mu,
		out:       l.out,
		level:     l.level,
		component: component,
		useJSON:   l.useJSON,
	}
}

// Debug logs a debug message
func (l *StructuredLogger) Debug(msg string, fields ...any) {
	if l.level <= DEBUG {
		l.logEntry("DEBUG", msg, fields...)
	}
}

// Info logs an info message
func (l *StructuredLogger) Info(msg string, fields ...any) {
	if l.level <= INFO {
		l.logEntry("INFO", msg, fields...)
	}
}

// Warn logs a warning message
func (l *StructuredLogger) Warn(msg string, fields ...any) {
	if l.level <= WARN {
		l.logEntry("WARN", msg, fields...)
	}
}

// Error logs an error message
func (l *StructuredLogger) Error(msg string, fields ...any) {
	if l.level <= ERROR {
		l.logEntry("ERROR", msg, fields...)
	}
}

func (l *StructuredLogger) logEntry(level, msg string, fields ...any) {
	fieldMap := make(map[string]any, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		fieldMap[fmt.Sprintf("%v", fields[i])] = fields[i+1]
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   msg,
		Component: l.component,
		Fields:    fieldMap,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.useJSON {
		data, err := json.Marshal(entry)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to marshal log entry: %v\n", err)
			return
		}
		fmt.Fprintln(l.out, string(data))
		return
	}
	l.writeText(&entry)
}

func (l *StructuredLogger) writeText(entry *LogEntry) {
	parts := []string{entry.Timestamp}
	if c, ok := levelColors[entry.Level]; ok {
		parts = append(parts, c.Sprintf("[%s]", entry.Level))
	} else {
		parts = append(parts, fmt.Sprintf("[%s]", entry.Level))
	}
	if entry.Component != "" {
		parts = append(parts, "component:"+entry.Component)
	}
	parts = append(parts, entry.Message)
	for k, v := range entry.Fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	fmt.Fprintln(l.out, strings.Join(parts, " "))
}
