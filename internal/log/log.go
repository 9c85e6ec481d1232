// Package log provides structured logging for octopoid built on zerolog.
// The server and orchestrator both log JSON by default; console output is
// available for interactive use.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Level represents log level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level   Level
	Console bool // human-readable console output instead of JSON
	Output  io.Writer
}

// Init initializes the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Console {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	Logger = zerolog.New(output).With().Timestamp().Logger()
}

// Debug returns a debug-level event.
func Debug() *zerolog.Event { return Logger.Debug() }

// Info returns an info-level event.
func Info() *zerolog.Event { return Logger.Info() }

// Warn returns a warn-level event.
func Warn() *zerolog.Event { return Logger.Warn() }

// Error returns an error-level event.
func Error() *zerolog.Event { return Logger.Error() }

// With returns a child logger context for attaching component fields.
func With() zerolog.Context { return Logger.With() }
