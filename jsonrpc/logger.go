package jsonrpc

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger defines the interface for logging operations
type Logger interface {
	// Errorf logs an error message with formatting
	Errorf(format string, args ...interface{})
}

// zeroLogger adapts a zerolog.Logger to the Logger interface.
type zeroLogger struct {
	logger zerolog.Logger
}

// Errorf implements Logger.Errorf
func (l *zeroLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

// NewLogger creates a Logger backed by the supplied zerolog logger.
func NewLogger(logger zerolog.Logger) Logger {
	return &zeroLogger{logger: logger}
}

// DefaultLogger is the default logger instance that writes to os.Stderr
var DefaultLogger Logger = NewLogger(zerolog.New(os.Stderr).With().Timestamp().Logger())
