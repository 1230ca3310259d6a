// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"log/slog"
	"os"
)

// NewLogger creates the standard service logger: a JSON handler
// writing to stderr at Info level. It also sets the default slog
// logger so that third-party code using slog.Info etc. gets the same
// handler.
func NewLogger() *slog.Logger {
	return NewLoggerAt(slog.LevelInfo)
}

// NewLoggerAt is NewLogger with an explicit level, for callers whose
// level comes from configuration (lib/config's logging.level) rather
// than always defaulting to Info.
func NewLoggerAt(level slog.Level) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

// ParseLevel converts a lowercase level name ("debug", "info", "warn",
// "error") to its slog.Level. Defaults to Info for an unrecognized
// name.
func ParseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
