// Package logging configures zerolog for arrivald.
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

// Setup builds the process logger and installs it as the zerolog global.
// format is "console" (human-readable) or "json". A nil w means stderr.
func Setup(level, format string, w io.Writer) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}

	var out io.Writer
	switch strings.ToLower(format) {
	case "", "console":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	case "json":
		zerolog.TimeFieldFormat = time.RFC3339Nano
		out = w
	default:
		return zerolog.Nop(), fmt.Errorf("logging: unknown format %q (want console or json)", format)
	}

	logger := zerolog.New(out).With().Timestamp().Logger().Level(lvl)
	log.Logger = logger
	return logger, nil
}

// ParseLevel accepts zerolog level names plus "warning" as an alias for warn.
func ParseLevel(s string) (zerolog.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("logging: %w", err)
	}
	return lvl, nil
}
