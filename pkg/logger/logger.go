package logger

import (
	"log/slog"
	"os"
)

// Setup returns a text logger on stdout at the given level.
func Setup(level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: level,
	}
	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler)
}
