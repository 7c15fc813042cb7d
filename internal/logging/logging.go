// Package logging configures the process-wide structured logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options selects handler format and verbosity.
type Options struct {
	// Level is one of debug, info, warn, error. Unknown values fall back to
	// info rather than failing startup.
	Level string
	// JSON switches from the human-oriented text handler to JSON lines.
	JSON bool
}

// Setup builds a logger writing to w and installs it as the slog default.
func Setup(w io.Writer, opts Options) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	h := handler(w, opts)
	log := slog.New(h)
	slog.SetDefault(log)
	return log
}

func handler(w io.Writer, opts Options) slog.Handler {
	ho := &slog.HandlerOptions{Level: parseLevel(opts.Level)}
	if opts.JSON {
		return slog.NewJSONHandler(w, ho)
	}
	return slog.NewTextHandler(w, ho)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
