package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds a JSON logger on stdout tagged with the service name.
func NewLogger(service, level string) *slog.Logger {
	return New(os.Stdout, service, level)
}

func New(w io.Writer, service, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: true,
	}
	logger := slog.New(slog.NewJSONHandler(w, opts))
	if service != "" {
		logger = logger.With("service", service)
	}
	return logger
}

func levelFromString(level string) slog.Leveler {
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
