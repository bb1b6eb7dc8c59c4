// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var level = new(slog.LevelVar)

var disabled atomic.Bool

// Setup installs the default logger writing to stderr at the given level
// ("debug", "info", "warn", "error"). Unknown values fall back to info.
func Setup(lvl string) {
	level.Set(parseLevel(lvl))
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// SetLevel changes the log level at runtime (config hot reload).
func SetLevel(lvl string) {
	level.Set(parseLevel(lvl))
}

// Disable silences all logging. Used by CLI paths that need clean output.
func Disable() {
	if disabled.CompareAndSwap(false, true) {
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	}
}

// For returns a component-scoped logger.
func For(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
