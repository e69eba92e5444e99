// Package logging builds the structured loggers used across fabstream.
//
// All long-lived components derive a child logger with a "component"
// field so that log streams can be filtered per subsystem (channel,
// rdm, transport, ...).
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level represents logging levels
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// Format represents log output format
type Format string

const (
	FormatJSON   Format = "json"   // JSON format for log aggregation
	FormatPretty Format = "pretty" // Human-readable for local dev
)

// Config holds logger configuration
type Config struct {
	Level  Level  // Minimum log level
	Format Format // Output format
}

// New creates a structured logger.
//
// Features:
//   - Structured JSON output (aggregator-compatible)
//   - Contextual fields for filtering
//   - Timestamp in RFC3339 format
//
// Example:
//
//	logger := logging.New(logging.Config{
//	    Level:  logging.LevelInfo,
//	    Format: logging.FormatJSON,
//	})
//	logger.Info().
//	    Str("component", "transport").
//	    Int("channels", 3).
//	    Msg("Server started")
func New(config Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelInfo:
		level = zerolog.InfoLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	case LevelFatal:
		level = zerolog.FatalLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == FormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(output).
		With().
		Timestamp().
		Str("service", "fabstream").
		Logger()

	return logger
}

// Component returns a child logger tagged with a component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
