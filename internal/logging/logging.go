// Package logging provides the shared zerolog setup for openmail.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu   sync.RWMutex
	base = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
)

// Setup replaces the base logger output and level. Pass a zero level string to
// keep the default (info). Intended to be called once at startup.
func Setup(out io.Writer, level string) {
	mu.Lock()
	defer mu.Unlock()

	if out == nil {
		out = os.Stderr
	}

	lvl := zerolog.InfoLevel
	if level != "" {
		if parsed, err := zerolog.ParseLevel(level); err == nil {
			lvl = parsed
		}
	}

	base = zerolog.New(out).With().Timestamp().Logger().Level(lvl)
}

// ConsoleWriter returns a human-friendly writer for interactive use.
func ConsoleWriter() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stderr}
}

// WithComponent returns a logger tagged with the given component name.
func WithComponent(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.With().Str("component", component).Logger()
}
