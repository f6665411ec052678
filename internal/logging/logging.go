// Package logging builds the relay's zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// New returns a logger writing to w at level. Format "json" writes one
// JSON object per line; "console" writes human-friendly lines. An empty
// level means info.
func New(level, format string, w io.Writer) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		var err error
		lvl, err = zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("logging: %w", err)
		}
	}

	switch format {
	case "json":
	case "console", "":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("logging: unknown format %q", format)
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// Setup builds a logger for stderr and installs it as the global logger.
func Setup(level, format string) (zerolog.Logger, error) {
	l, err := New(level, format, os.Stderr)
	if err != nil {
		return l, err
	}
	log.Logger = l
	zerolog.DefaultContextLogger = &log.Logger
	return l, nil
}
