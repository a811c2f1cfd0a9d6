package logger

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Setup installs the process-wide slog handler. Levels use the textual slog
// names; anything unrecognised falls back to info.
func Setup(level string) {
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      parseLevel(level),
		TimeFormat: time.TimeOnly,
	})
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
