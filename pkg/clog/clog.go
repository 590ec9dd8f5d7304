// Package clog provides the structured logger used across the engine.
//
// It wraps a zap.SugaredLogger behind a small interface so that engine
// packages depend on the interface only and tests can inject a no-op
// implementation. There is deliberately no package-level logger: every
// component receives its Logger explicitly.
package clog

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging interface handed to engine components.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// zapLogger adapts a zap.SugaredLogger to the Logger interface.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

// Statically assert that the implementations satisfy the interface.
var _ Logger = (*zapLogger)(nil)
var _ Logger = (*nopLogger)(nil)

// New builds a console logger at the given level ("debug", "info", "warn",
// "error"). The returned flush function should be deferred by the caller;
// its error can be ignored on stderr-backed outputs.
func New(level string) (Logger, func(), error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	logger, err := cfg.Build(zap.AddCaller(), zap.AddCallerSkip(1))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}

	flush := func() {
		// Sync returns an error on some platforms when the sink is a
		// terminal; there is nothing actionable about it here.
		_ = logger.Sync()
	}
	return &zapLogger{sugar: logger.Sugar()}, flush, nil
}

func (l *zapLogger) Debug(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l *zapLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Infow(msg, keysAndValues...)
}

func (l *zapLogger) Warn(msg string, keysAndValues ...any) {
	l.sugar.Warnw(msg, keysAndValues...)
}

func (l *zapLogger) Error(msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, keysAndValues...)
}

type nopLogger struct{}

// Nop returns a Logger that discards everything. Intended for tests and for
// components constructed before logging is configured.
func Nop() Logger { return nopLogger{} }

func (nopLogger) Debug(msg string, keysAndValues ...any) {}
func (nopLogger) Info(msg string, keysAndValues ...any)  {}
func (nopLogger) Warn(msg string, keysAndValues ...any)  {}
func (nopLogger) Error(msg string, keysAndValues ...any) {}
