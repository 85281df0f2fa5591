package core

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the interface for logging operations
type Logger interface {
	// Debug logs a debug message
	Debug(msg string, keyvals ...any)
	// Info logs an informational message
	Info(msg string, keyvals ...any)
	// Warn logs a warning message
	Warn(msg string, keyvals ...any)
	// Error logs an error message
	Error(msg string, keyvals ...any)
	// With returns a new logger with additional key-value pairs
	With(keyvals ...any) Logger
}

// zapLogger adapts a zap SugaredLogger to Logger
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewLogger builds a zap-backed logger from LogConfig
func NewLogger(cfg LogConfig) (Logger, error) {
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, wrapError("logger", E("logger", KindInvalid, err))
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	l, err := zc.Build()
	if err != nil {
		return nil, wrapError("logger", err)
	}
	return &zapLogger{s: l.Sugar()}, nil
}

// NewZapLogger wraps an existing zap logger
func NewZapLogger(l *zap.Logger) Logger {
	if l == nil {
		return NopLogger()
	}
	return &zapLogger{s: l.Sugar()}
}

func (l *zapLogger) Debug(msg string, keyvals ...any) { l.s.Debugw(msg, keyvals...) }
func (l *zapLogger) Info(msg string, keyvals ...any)  { l.s.Infow(msg, keyvals...) }
func (l *zapLogger) Warn(msg string, keyvals ...any)  { l.s.Warnw(msg, keyvals...) }
func (l *zapLogger) Error(msg string, keyvals ...any) { l.s.Errorw(msg, keyvals...) }

func (l *zapLogger) With(keyvals ...any) Logger {
	return &zapLogger{s: l.s.With(keyvals...)}
}

// Sync flushes buffered log entries
func Sync(l Logger) {
	if zl, ok := l.(*zapLogger); ok {
		_ = zl.s.Sync()
	}
}

// nopLogger is a no-op logger that discards all log messages
type nopLogger struct{}

func (nopLogger) Debug(msg string, keyvals ...any) {}
func (nopLogger) Info(msg string, keyvals ...any)  {}
func (nopLogger) Warn(msg string, keyvals ...any)  {}
func (nopLogger) Error(msg string, keyvals ...any) {}

// With returns the same nopLogger
func (n nopLogger) With(keyvals ...any) Logger {
	return n
}

// NopLogger returns a logger that discards all messages
func NopLogger() Logger {
	return nopLogger{}
}
