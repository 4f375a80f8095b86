// Package logger configures the process-wide slog logger and derives the
// component loggers used across the analyzer.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup installs the process-wide slog handler. Format "json" selects the
// JSON handler, anything else the text handler.
func Setup(level string, format string) {
	SetupWriter(os.Stdout, level, format)
}

// SetupWriter is Setup writing to w. Debug level also records the source
// position of each call.
func SetupWriter(w io.Writer, level string, format string) {
	var handler slog.Handler
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func WithComponent(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// WithChannel tags a component logger with the ingestion channel it serves.
func WithChannel(component string, channel uint16) *slog.Logger {
	return WithComponent(component).With("channel", channel)
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
