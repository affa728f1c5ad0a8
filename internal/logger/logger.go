// Package logger provides structured logging for the storage engine.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog with engine-specific helpers.
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// New creates a new structured logger.
func New(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	zlog := zerolog.New(output).Level(level).With().
		Timestamp().
		Str("component", "engine").
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// Nop returns a logger that discards everything; used as the zero-value
// default so components never need a nil check.
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// Zerolog returns the underlying zerolog logger.
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zlog
}

func (l *Logger) Info(msg string) *zerolog.Event  { return l.zlog.Info().Str("msg", msg) }
func (l *Logger) Debug(msg string) *zerolog.Event { return l.zlog.Debug().Str("msg", msg) }
func (l *Logger) Warn(msg string) *zerolog.Event  { return l.zlog.Warn().Str("msg", msg) }
func (l *Logger) Error(msg string) *zerolog.Event { return l.zlog.Error().Str("msg", msg) }

// Sub returns a child logger tagged with the given subsystem name; used to
// build the per-component loggers (page manager, btree, blob manager, txn
// engine, journal) that the environment hands out at open time.
func (l *Logger) Sub(subsystem string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("subsystem", subsystem).Logger()}
}

// LogRecovery logs a structured summary of a recovery pass.
func (l *Logger) LogRecovery(physicalLSN, logicalLSN uint64, aborted int, dur time.Duration) {
	l.zlog.Info().
		Uint64("physical_lsn", physicalLSN).
		Uint64("logical_lsn", logicalLSN).
		Int("aborted_txns", aborted).
		Dur("duration_ms", dur).
		Msg("recovery complete")
}
