package app

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns a configured slog.Logger. The level gates the
// per-invalidation debug lines, which are too chatty for production.
func NewLogger(cfg *Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg != nil {
		switch strings.ToLower(cfg.LogLevel) {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: level == slog.LevelDebug}
	if cfg != nil && cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
