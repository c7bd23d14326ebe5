// Package logger builds the structured loggers shared by every daemon component.
package logger

import (
	"log/slog"
	"os"
)

// New returns a JSON slog.Logger tagged with the owning component name.
func New(component string, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("component", component)
}

// ParseLevel maps a config string to a slog.Level, defaulting to Info on
// anything unrecognized.
func ParseLevel(value string) slog.Level {
	switch value {
	case "debug", "DEBUG":
		return slog.LevelDebug
	case "warn", "WARN", "warning", "WARNING":
		return slog.LevelWarn
	case "error", "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
