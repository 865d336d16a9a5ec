package monitoring

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
	With().Timestamp().Logger()

// Logf is the package-level diagnostic logger. It writes at info level and may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = func(format string, v ...interface{}) {
	base.Info().Msgf(format, v...)
}

// Debugf logs verbose per-frame diagnostics.
var Debugf func(format string, v ...interface{}) = func(format string, v ...interface{}) {
	base.Debug().Msgf(format, v...)
}

// Warnf logs recoverable problems such as dropped segments or backlog.
var Warnf func(format string, v ...interface{}) = func(format string, v ...interface{}) {
	base.Warn().Msgf(format, v...)
}

// Errorf logs failures that lose data.
var Errorf func(format string, v ...interface{}) = func(format string, v ...interface{}) {
	base.Error().Msgf(format, v...)
}

// SetLogger replaces every package logger with f. Passing nil sets a no-op
// logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	Logf, Debugf, Warnf, Errorf = f, f, f, f
}

// Configure points the zerolog backend at w (stderr when nil) plus an
// optional log file and sets the minimum level. The returned closer releases
// the log file.
func Configure(w io.Writer, level, path string) (io.Closer, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if w == nil {
		w = os.Stderr
	}

	var out io.Writer = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	var closer io.Closer = nopCloser{}
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = zerolog.MultiLevelWriter(out, f)
		closer = f
	}

	base = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	Logf = func(format string, v ...interface{}) { base.Info().Msgf(format, v...) }
	Debugf = func(format string, v ...interface{}) { base.Debug().Msgf(format, v...) }
	Warnf = func(format string, v ...interface{}) { base.Warn().Msgf(format, v...) }
	Errorf = func(format string, v ...interface{}) { base.Error().Msgf(format, v...) }
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
