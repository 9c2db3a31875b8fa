// Package logging wraps zerolog behind the small per-component logger shape
// the rest of this module is written against: a Logger with Debug/Info/Warn/
// Error(format, args...) methods and a With(component) constructor for
// subsystem-scoped sub-loggers.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Logger is a thin, leveled wrapper around a zerolog.Logger.
type Logger struct {
	mu  sync.Mutex
	log zerolog.Logger
}

var once sync.Once
var base zerolog.Logger

func initBase() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	base = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// New builds a root Logger writing to out at the given zerolog level.
func New(out io.Writer, level zerolog.Level) *Logger {
	l := zerolog.New(out).With().Timestamp().Logger().Level(level)
	return &Logger{log: l}
}

// Default returns the process-wide root logger, writing to stderr at info
// level.
func Default() *Logger {
	once.Do(initBase)
	return &Logger{log: base.Level(zerolog.InfoLevel)}
}

// With returns a sub-logger tagged with a "component" field, one per
// subsystem (translog, engine, recovery...).
func (l *Logger) With(component string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &Logger{log: l.log.With().Str("component", component).Logger()}
}

// WithFields returns a sub-logger with additional structured fields set.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	ctx := l.log.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{log: ctx.Logger()}
}

func (l *Logger) SetLevel(level zerolog.Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log = l.log.Level(level)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.log.Info().Msgf(format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.log.Warn().Msgf(format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}
