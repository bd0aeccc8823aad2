// Package logging provides structured logging for Courier components.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu   sync.RWMutex
	base = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// Setup configures the process-wide base logger. Level is one of trace,
// debug, info, warn, error; unknown values fall back to info. When pretty is
// true, output is human-readable console format instead of JSON.
func Setup(out io.Writer, level string, pretty bool) {
	if out == nil {
		out = os.Stderr
	}

	lvl := parseLevel(level)
	if pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	mu.Lock()
	base = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	mu.Unlock()
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.With().Str("component", name).Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
