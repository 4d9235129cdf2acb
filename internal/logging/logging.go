// Package logging configures the process logger and the operation outcome
// side channel used by retry, refresh, and provisioning code.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

func New(w io.Writer, level string) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLevel(level)}))
}

// Discard is for tests and for callers that pass no logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDiscard returns logger, or a discarding logger when nil.
func OrDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}

// Outcome records one operation result. It never fails.
func Outcome(ctx context.Context, logger *slog.Logger, operation, outcome string, attrs ...any) {
	if logger == nil {
		return
	}
	level := slog.LevelInfo
	switch outcome {
	case "failed", "exhausted":
		level = slog.LevelWarn
	}
	args := append([]any{"operation", operation, "outcome", outcome}, attrs...)
	logger.Log(ctx, level, operation+" "+outcome, args...)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
