// Package log provides a small structured-logging wrapper over log/slog.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogLevel is the wrapper's own severity scale; it maps onto slog.Level.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	ErrorLevel
)

// Logger is the structured logging interface every core component accepts.
// The core treats it as an external collaborator: no core correctness
// decision depends on what a Logger does with a message.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Errorf(format string, args ...any)
	With(args ...any) Logger
}

type slogLogger struct {
	logger   *slog.Logger
	logLevel LogLevel
}

// NewLogger returns a Logger backed by log/slog writing text to stderr,
// filtered at the level named by level (see parseLevel).
func NewLogger(level string) Logger {
	lvl := parseLevel(level)
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: toSlogLevel(lvl)})
	return &slogLogger{logger: slog.New(h), logLevel: lvl}
}

// NewNoopLogger returns a Logger that discards everything.
func NewNoopLogger() Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return &slogLogger{logger: slog.New(h), logLevel: ErrorLevel + 1}
}

func (s *slogLogger) Debug(msg string, args ...any) {
	s.logger.Log(context.Background(), slog.LevelDebug, msg, args...)
}
func (s *slogLogger) Info(msg string, args ...any) {
	s.logger.Log(context.Background(), slog.LevelInfo, msg, args...)
}
func (s *slogLogger) Error(msg string, args ...any) {
	s.logger.Log(context.Background(), slog.LevelError, msg, args...)
}

func (s *slogLogger) Debugf(format string, args ...any) { s.Debug(fmt.Sprintf(format, args...)) }
func (s *slogLogger) Infof(format string, args ...any)  { s.Info(fmt.Sprintf(format, args...)) }
func (s *slogLogger) Errorf(format string, args ...any) { s.Error(fmt.Sprintf(format, args...)) }

func (s *slogLogger) With(args ...any) Logger {
	return &slogLogger{logger: s.logger.With(args...), logLevel: s.logLevel}
}

// parseLevel maps a case-insensitive level name (full or abbreviated) to a
// LogLevel, defaulting to InfoLevel for anything unrecognized.
func parseLevel(name string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug", "dbg":
		return DebugLevel
	case "error", "err":
		return ErrorLevel
	case "info", "inf":
		return InfoLevel
	default:
		return InfoLevel
	}
}

// toSlogLevel converts a LogLevel to its slog.Level equivalent, defaulting
// to slog.LevelInfo for an out-of-range value.
func toSlogLevel(lvl LogLevel) slog.Level {
	switch lvl {
	case DebugLevel:
		return slog.LevelDebug
	case ErrorLevel:
		return slog.LevelError
	case InfoLevel:
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}
