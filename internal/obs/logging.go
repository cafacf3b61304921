// Package obs carries the ambient logging and tracing/metrics setup shared
// by the controller and worker processes.
package obs

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogging configures the global slog logger for the given process role
// ("controller" or a worker id). JSON output if ANQUEUE_JSON_LOG=1/true/json,
// otherwise text. Every role gets its level from ANQUEUE_LOG_LEVEL (default
// info); output always goes to stderr, so a worker's stdout stays free for
// IPC framing.
func InitLogging(component string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("ANQUEUE_JSON_LOG"))
	var handler slog.Handler
	opts := &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()}
	if mode == "1" || mode == "true" || mode == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler).With("component", component)
	slog.SetDefault(logger)
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("ANQUEUE_LOG_LEVEL")) {
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
