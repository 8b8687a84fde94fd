// Package logging provides the process-wide structured logger.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// Get returns the shared structured logger, initializing it on first call
// from the LOG_LEVEL environment variable. Safe for concurrent use.
func Get() *slog.Logger {
	once.Do(func() {
		logger = New(os.Getenv("LOG_LEVEL"))
	})
	return logger
}

// New builds a JSON-handler slog.Logger at the given level (debug/info/warn/error).
func New(level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
