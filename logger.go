package swarm

import (
	"log/slog"
	"os"
)

// NewLogger builds a structured JSON logger writing to os.Stderr,
// filtered at level. Every Server is handed its own instance
// rather than mutating slog's global default, so tests can capture a
// given server's output in isolation.
func NewLogger(level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}
