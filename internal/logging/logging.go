// Package logging builds the hub's structured logger.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text, pretty
}

// New creates a structured logger.
//
// Features:
//   - Structured JSON output (Loki-compatible)
//   - Timestamp in RFC3339 format
//   - Caller information for debugging
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "cauce-hub").
		Logger()
}

// LogPanic logs a recovered panic with its full stack trace. Use in defer
// recover() blocks before re-panicking or resuming.
func LogPanic(logger zerolog.Logger, panicValue any, msg string) {
	logger.Error().
		Interface("panic_value", panicValue).
		Str("stack_trace", string(debug.Stack())).
		Msg(msg)
}
