// Package logger provides structured logging setup for the bridge.
package logger

import (
	"io"
	"log/slog"
	"strings"
)

// New creates a *slog.Logger writing JSON records to w with a "component"
// attribute on every record.
func New(w io.Writer, level, component string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	return slog.New(handler).With("component", component)
}

// ParseLevel converts a string log level to slog.Level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
