// Package logging wraps zerolog for the storage engine. RecordManager and
// PagedFile hold a Logger, but no engine code path writes events to it;
// the wrapper fixes the component tag and level handling for callers
// that log through it. It mirrors the logger wrapper used elsewhere in
// this codebase's lineage, trimmed to an embeddable engine's concerns
// instead of a server's request/response lifecycle.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger pre-tagged with the engine's component
// name so every event a caller sees in their own log stream is easy to
// filter on.
type Logger struct {
	zlog zerolog.Logger
}

// Config controls how a Logger is constructed.
type Config struct {
	Level  string // debug, info, warn, error, disabled
	Pretty bool
	Output io.Writer
}

// New builds a Logger. A zero Config yields an info-level logger writing
// to os.Stderr, which is what RecordManager uses when the embedding
// application does not provide one explicitly.
func New(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	case "disabled":
		level = zerolog.Disabled
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}

	zlog := zerolog.New(out).Level(level).With().Timestamp().Str("component", "embedkv").Logger()
	return &Logger{zlog: zlog}
}

// Nop returns a Logger that discards everything, for callers that want
// the engine to stay silent (e.g. test suites asserting on behavior, not
// log output).
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

func (l *Logger) Debug() *zerolog.Event { return l.zlog.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.zlog.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.zlog.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.zlog.Error() }

// With returns a child Logger carrying an extra string field, used to
// scope a sequence of events to one tree (e.g. "tree", name).
func (l *Logger) With(key, value string) *Logger {
	return &Logger{zlog: l.zlog.With().Str(key, value).Logger()}
}
