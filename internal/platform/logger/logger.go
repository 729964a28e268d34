package logger

import (
	"log/slog"
	"os"
)

// New returns the process-wide structured logger. JSON output so the
// surrounding log pipeline can index fields without extra parsing.
func New(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
