// Package logger provides the structured logger shared across the indexing
// engine core.
package logger

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var defaultLogger atomic.Pointer[Logger]

// Logger wraps zap.SugaredLogger so every subsystem logs through the same
// encoder configuration and can be narrowed to a component via WithComponent.
type Logger struct {
	*zap.SugaredLogger
}

// New builds a logger at the given level ("debug", "info", "warn", "error").
// development selects the console encoder with colorized levels; production
// selects the JSON encoder.
func New(level string, development bool) (*Logger, error) {
	var config zap.Config

	if development {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	zapLogger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{SugaredLogger: zapLogger.Sugar()}, nil
}

// NewNop returns a logger that discards everything, for use in tests.
func NewNop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

// WithComponent returns a child logger tagging every entry with a
// "component" field, e.g. "synccache", "historical", "realtime".
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{SugaredLogger: l.With("component", component)}
}

// Close flushes buffered log entries. Safe to call on process shutdown.
func (l *Logger) Close() error {
	return l.Sync()
}

// Default returns the process-wide logger, lazily initialized at debug level
// in development mode. SetDefault overrides it once the real configuration
// is known.
func Default() *Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}

	l, err := New("debug", true)
	if err != nil {
		panic(err)
	}
	defaultLogger.Store(l)

	return defaultLogger.Load()
}

// SetDefault installs l as the process-wide default logger.
func SetDefault(l *Logger) {
	defaultLogger.Store(l)
}
