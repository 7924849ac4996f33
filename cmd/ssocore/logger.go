package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// newLogger builds the slog.Logger server.Config expects. No per-request
// attribute injection here: the audit builder, not the logger, carries
// per-request provenance.
func newLogger(level slog.Level, format string) (*slog.Logger, error) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("log format is not one of the supported values (json, text): %s", format)
	}
	return slog.New(handler), nil
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
