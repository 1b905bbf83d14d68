// Package observability defines shared logging primitives.
package observability

import "log/slog"

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// String builds a string-valued log field.
func String(key, value string) Field { return Field{Key: key, Value: value} }

// Int builds an int-valued log field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Err builds an error-valued log field.
func Err(err error) Field { return Field{Key: "error", Value: err} }

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// NewSlog adapts a slog.Logger to the Logger interface.
func NewSlog(logger *slog.Logger) Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return slogLogger{inner: logger}
}

type slogLogger struct {
	inner *slog.Logger
}

func (l slogLogger) Debug(msg string, fields ...Field) { l.inner.Debug(msg, attrs(fields)...) }
func (l slogLogger) Info(msg string, fields ...Field)  { l.inner.Info(msg, attrs(fields)...) }
func (l slogLogger) Error(msg string, fields ...Field) { l.inner.Error(msg, attrs(fields)...) }

func attrs(fields []Field) []any {
	out := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		out = append(out, f.Key, f.Value)
	}
	return out
}
