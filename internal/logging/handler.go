// Package logging builds the process-wide slog handler: colorized tint
// output for terminals, JSON lines everywhere else.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"

	"onegate/config"
)

// ParseLevel maps a config level name to a slog level. Unknown names log at
// info.
func ParseLevel(s string) slog.Level {
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

// NewHandler returns the handler for cfg writing to out.
//
// Format "pretty" forces tint output and "json" forces JSON. With no format
// set, tint is used when out is a terminal.
func NewHandler(cfg config.LogConfig, out io.Writer) slog.Handler {
	level := ParseLevel(cfg.Level)

	if usePretty(cfg.Format, out) {
		return tint.NewHandler(out, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    !isTerminal(out),
		})
	}
	return slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
}

// Setup installs the handler for cfg as the slog default, writing to stderr.
func Setup(cfg config.LogConfig) {
	slog.SetDefault(slog.New(NewHandler(cfg, os.Stderr)))
}

func usePretty(format string, out io.Writer) bool {
	switch format {
	case "pretty":
		return true
	case "json":
		return false
	default:
		return isTerminal(out)
	}
}

func isTerminal(out io.Writer) bool {
	f, ok := out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
