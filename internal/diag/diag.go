// Package diag is the narrow diagnostic logger used by the pipeline.
package diag

import (
	"io"
	"log/slog"
	"strings"
)

// Logger receives pipeline diagnostics. It is never used for control flow.
type Logger interface {
	Error(msg string, err error, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

type slogLogger struct {
	l *slog.Logger
}

// New wraps an slog.Logger. A nil logger falls back to slog.Default().
func New(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return &slogLogger{l: l}
}

// NewHandler builds the process logger: text or json to w, debug when verbose.
func NewHandler(w io.Writer, format string, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (s *slogLogger) Error(msg string, err error, args ...any) {
	if err != nil {
		args = append(args, "error", err)
	}
	s.l.Error(msg, args...)
}

func (s *slogLogger) Warn(msg string, args ...any) { s.l.Warn(msg, args...) }

func (s *slogLogger) Info(msg string, args ...any) { s.l.Info(msg, args...) }

// With returns a Logger that adds args to every record.
func With(l Logger, args ...any) Logger {
	if s, ok := l.(*slogLogger); ok {
		return &slogLogger{l: s.l.With(args...)}
	}
	return l
}

type nop struct{}

func (nop) Error(string, error, ...any) {}
func (nop) Warn(string, ...any)         {}
func (nop) Info(string, ...any)         {}

// Nop discards everything.
func Nop() Logger { return nop{} }
