// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// Setup installs the default slog logger. Interactive terminals get
// colorized tint output; everything else gets JSON for log shippers.
func Setup(level slog.Level) {
	slog.SetDefault(slog.New(newHandler(os.Stdout, level)))
}

func newHandler(w io.Writer, level slog.Level) slog.Handler {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch s {
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
