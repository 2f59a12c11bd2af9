// Package logging provides the application-wide structured logger.
//
// The teacher (internal/logging/logging.go) wires a package-global logrus
// logger with JSON output, a caller-reporting hook, a stdout+file
// multi-writer, and an env-driven level. RIC's go.mod carries
// github.com/rs/zerolog rather than logrus, so this package reproduces the
// same shape — global logger, JSON output, caller info, stdout+file
// multi-writer, level from RIC_LOG_LEVEL (via internal/config) — in
// zerolog's idiom instead.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Log is the application-wide logger. Call Configure once at startup
// (cmd/ric does this, with no log file) to apply the configured level and
// optionally tee output to a log file; until then it logs JSON to stdout at info level, so packages that
// log before Configure runs (or in tests) still produce usable output.
var Log = zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

// Configure rewires Log to the given level and, if logPath is non-empty,
// tees output to that file alongside stdout. levelName follows zerolog's
// names (debug, info, warn, error); an unrecognized or empty name defaults
// to info, mirroring the teacher's ParseLevel-falls-back-to-Info behavior.
func Configure(levelName, logPath string) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(levelName)))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if logPath != "" {
		f, ferr := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if ferr == nil {
			out = io.MultiWriter(os.Stdout, f)
		}
	}

	Log = zerolog.New(out).Level(level).With().Timestamp().Caller().Logger()
}

// Component returns a logger with a "component" field set, for per-package
// structured logging (internal/ingest, internal/retrieve, etc. each get
// their own component logger rather than sharing one undifferentiated
// stream).
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}
