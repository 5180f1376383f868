// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	// Level is one of debug, info, warn or error. Unknown values mean info.
	Level string
	// Format is json (default) or console.
	Format string
	// Writer defaults to stderr.
	Writer io.Writer
}

// New builds a logger from opts without touching global state.
func New(opts Options) zerolog.Logger {
	out := opts.Writer
	if out == nil {
		out = os.Stderr
	}
	if strings.EqualFold(opts.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(ParseLevel(opts.Level)).With().Timestamp().Logger()
}

// Setup installs the logger built from opts as the global logger.
func Setup(opts Options) zerolog.Logger {
	l := New(opts)
	zerolog.SetGlobalLevel(ParseLevel(opts.Level))
	log.Logger = l
	return l
}

func ParseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// Redact masks a secret, keeping a short prefix so keys stay recognizable.
func Redact(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "..." + s[len(s)-2:]
}
