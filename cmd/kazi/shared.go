package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/jkaninda/kazi/internal/queue"
)

// Shared persistent flags.
var (
	redisURL  string
	queueName string
	logLevel  string
)

// newLogger builds the process-wide slog logger writing JSON to stderr.
func newLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// openQueue connects to Redis using the shared flags.
func openQueue(ctx context.Context, logger *slog.Logger) (*queue.Queue, error) {
	return queue.New(ctx, redisURL, queueName, queue.WithLogger(logger))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
