// Package logging builds the [log/slog] loggers used by the variantz daemon
// and CLI.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Formats accepted by [Config].
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Config selects the level, encoding and destination of a logger.
type Config struct {
	// Level is one of "debug", "info", "warn" or "error" (case-insensitive).
	Level string
	// Format is FormatJSON (the default) or FormatText.
	Format string
	// Writer defaults to stderr.
	Writer io.Writer
	// Instance, when set, is attached to every record as "instance".
	Instance string
}

// New creates a logger from cfg.
func New(cfg Config) *slog.Logger {
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(cfg.Format), FormatText) {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler).With(slog.String("service", "variantz"))
	if cfg.Instance != "" {
		logger = logger.With(slog.String("instance", cfg.Instance))
	}
	return logger
}

// ParseLevel converts a level string to a [slog.Level].
// Returns [slog.LevelInfo] for unrecognised values.
func ParseLevel(s string) slog.Level {
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
