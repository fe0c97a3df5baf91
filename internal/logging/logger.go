// Package logging provides the minimal logging contract the rest of AOF
// depends on, plus a default implementation backed by log/slog.
package logging

import (
	"log/slog"
	"os"
)

// Logger is the minimal logging contract required across the daemon. Every
// component takes a Logger rather than importing slog directly, so tests
// can inject NopLogger without pulling in real output.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// NopLogger discards everything. Used as the fallback when no Logger is
// configured so callers never need a nil check.
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}

// OrNop returns l, or NopLogger{} if l is nil, so callers never need a
// defensive nil check before logging.
func OrNop(l Logger) Logger {
	if l == nil {
		return NopLogger{}
	}
	return l
}

// slogLogger adapts log/slog.Logger to the Logger interface using
// printf-style formatting, matching how the rest of the codebase calls it.
type slogLogger struct {
	inner *slog.Logger
}

// NewSlog wraps an *slog.Logger as a Logger.
func NewSlog(inner *slog.Logger) Logger {
	return &slogLogger{inner: inner}
}

// NewDefault returns a Logger that writes leveled text to stderr.
func NewDefault(level slog.Level) Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return NewSlog(slog.New(h))
}

func (l *slogLogger) Debug(format string, args ...interface{}) {
	l.inner.Debug(sprintf(format, args...))
}

func (l *slogLogger) Info(format string, args ...interface{}) {
	l.inner.Info(sprintf(format, args...))
}

func (l *slogLogger) Warn(format string, args ...interface{}) {
	l.inner.Warn(sprintf(format, args...))
}

func (l *slogLogger) Error(format string, args ...interface{}) {
	l.inner.Error(sprintf(format, args...))
}
