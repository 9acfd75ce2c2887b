package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New returns a structured logger. format is "json" or "text"; empty picks
// text for local development and JSON everywhere else.
func New(level, format string, dev bool) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format, dev)
}

// NewWithWriter is New writing to w.
func NewWithWriter(w io.Writer, level, format string, dev bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	if format == "" {
		format = "json"
		if dev {
			format = "text"
		}
	}
	var h slog.Handler
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h)
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
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
