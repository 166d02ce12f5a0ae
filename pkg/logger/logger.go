package logger

import (
	"log/slog"
	"os"
)

// Setup configures the global logger for one service.
// JSON in production for machine parsing, text everywhere else for humans.
// The returned logger carries the service name so the three services can be
// told apart when their output lands in the same aggregator.
func Setup(env, service string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)

	return logger
}
