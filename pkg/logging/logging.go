// Package logging owns the process-wide zerolog logger of s3access.
//
// Commands call Init once with the configured Options; packages then derive
// phase loggers with WithPhase or pull a run-scoped logger from the context
// (see internal/logctx, whose fallback Init keeps in sync).
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/eunmann/s3-access-db/internal/logctx"
)

// Levels accepted by ParseLevel, lowest first.
var Levels = []string{"debug", "info", "warn", "error"}

var (
	logger *zerolog.Logger
	pretty atomic.Bool
)

func init() {
	l := zerolog.New(os.Stderr).With().Timestamp().Logger()
	logger = &l
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// Options selects where and how much the process logs.
type Options struct {
	// Level is one of Levels; empty means info.
	Level string
	// Debug forces the debug level regardless of Level.
	Debug bool
	// Human switches to a console writer and adds human-readable
	// companions (e.g. "bytes_h") to completion events.
	Human bool
	// Out receives log lines. Defaults to stderr.
	Out io.Writer
}

// ParseLevel maps a level name to its zerolog level. Matching ignores case
// and "warning" is accepted for warn.
func ParseLevel(s string) (zerolog.Level, error) {
	switch name := strings.ToLower(strings.TrimSpace(s)); name {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	default:
		for _, l := range Levels {
			if name == l {
				return zerolog.ParseLevel(name)
			}
		}
	}
	return zerolog.NoLevel, fmt.Errorf("unknown log level %q (want one of %s)", s, strings.Join(Levels, ", "))
}

// Init installs the process logger described by opts and makes it the
// fallback of logctx.FromContext.
func Init(opts Options) error {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return err
	}
	if opts.Debug {
		level = zerolog.DebugLevel
	}

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	if opts.Human {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: out != os.Stderr}
	}

	zerolog.SetGlobalLevel(level)
	pretty.Store(opts.Human)

	l := zerolog.New(out).With().Timestamp().Logger()
	logger = &l
	logctx.SetDefaultLogger(l)
	return nil
}

// IsPrettyMode reports whether human-readable log fields are enabled.
func IsPrettyMode() bool {
	return pretty.Load()
}

// L returns the base logger.
func L() *zerolog.Logger {
	return logger
}

// WithPhase returns a logger with the phase field set.
func WithPhase(phase string) zerolog.Logger {
	return logger.With().Str("phase", phase).Logger()
}

// WithCommand returns a logger tagged with the running subcommand.
func WithCommand(name string) zerolog.Logger {
	return logger.With().Str("command", name).Logger()
}

// SetLogger replaces the base logger without touching the level or mode.
func SetLogger(l zerolog.Logger) {
	logger = &l
}

// SetPrettyMode toggles human-readable companion fields without replacing the logger.
func SetPrettyMode(on bool) {
	pretty.Store(on)
}
