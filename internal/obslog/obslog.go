// Package obslog sets up the shared zerolog logger for the router and
// client packages. It mirrors the teacher's internal/logger package:
// JSON output in production, a pretty console writer for development,
// and per-component child loggers tagged with "component".
package obslog

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global base logger. Initialize should be called once
// before any component logger is taken; otherwise zerolog's defaults
// apply (debug level, JSON on stderr).
var Log zerolog.Logger

func init() {
	Log = log.With().Str("service", "maim-message").Logger()
}

// Initialize configures the global logger. level is parsed with
// zerolog.ParseLevel, falling back to info on error. pretty selects a
// human-readable console writer instead of JSON.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "maim-message").Logger()
	Log.Info().Str("level", logLevel.String()).Bool("pretty", pretty).Msg("logger initialized")
}

// Server returns a logger tagged for the server endpoint.
func Server() *zerolog.Logger {
	l := Log.With().Str("component", "server").Logger()
	return &l
}

// Registry returns a logger tagged for the connection registry.
func Registry() *zerolog.Logger {
	l := Log.With().Str("component", "registry").Logger()
	return &l
}

// Client returns a logger tagged for a single client connection.
func Client() *zerolog.Logger {
	l := Log.With().Str("component", "client").Logger()
	return &l
}

// Supervisor returns a logger tagged for the multi-connection supervisor.
func Supervisor() *zerolog.Logger {
	l := Log.With().Str("component", "supervisor").Logger()
	return &l
}
