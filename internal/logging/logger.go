// Package logging provides structured logging using zerolog.
//
// It configures zerolog based on the application configuration
// and provides helpers for common logging patterns.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global logger based on the provided configuration.
//
// It sets the log level, output format, and other logging preferences.
// Should be called once during application initialization.
func Setup(level string, format string) error {
	// Set log level
	logLevel, err := parseLogLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(logLevel)

	// Configure output format
	var output io.Writer = os.Stdout

	if format == "console" {
		// Console output with colors (for development)
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
			NoColor:    false,
		}
	} else {
		// JSON output (for production)
		// Already defaults to JSON, no special configuration needed
	}

	// Create logger with timestamp
	log.Logger = zerolog.New(output).With().Timestamp().Logger()

	// Add caller information in development
	if format == "console" {
		log.Logger = log.Logger.With().Caller().Logger()
	}

	log.Info().
		Str("level", level).
		Str("format", format).
		Msg("Logger initialized")

	return nil
}

// parseLogLevel converts a string log level to zerolog.Level.
func parseLogLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, nil
	}
}

// WithComponent adds a component name to the logger context, the same
// tag every package in this service attaches inline with
// `Str("component", "...")` on individual log events.
//
// Example usage:
//
//	logger := logging.WithComponent("ratelimit")
//	logger.Debug().Msg("request denied by sliding window")
func WithComponent(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// WithError adds an error to the logger context.
//
// This is a convenience wrapper around zerolog's Err() method.
func WithError(err error) *zerolog.Event {
	return log.Error().Err(err)
}
