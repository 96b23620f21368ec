// Package telemetry configures the process-wide structured logger.
package telemetry

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitOptions controls logger setup.
type InitOptions struct {
	// LogPath is an optional file to additionally write JSON lines to.
	// Empty disables file output.
	LogPath string
	// Level is one of: trace, debug, info, warn, error.
	Level string
	// Pretty enables a human-readable console writer (for local runs).
	Pretty bool
}

// Init configures the global zerolog logger. Call once at process startup.
func Init(opts InitOptions) error {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var writers []io.Writer
	if opts.Pretty {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		writers = append(writers, os.Stderr)
	}

	if opts.LogPath != "" {
		f, err := os.OpenFile(opts.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}

	var out io.Writer
	if len(writers) == 1 {
		out = writers[0]
	} else {
		out = zerolog.MultiLevelWriter(writers...)
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return nil
}

// Component returns a logger tagged with a component field, the pattern
// used by every subsystem in this module (vision.flow, bridge, chat, ...).
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
