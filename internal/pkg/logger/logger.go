// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package logger provides the logging interface used across the recon service.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger defines the logging interface with three severity levels.
type Logger interface {
	Info(format string, args ...interface{})  // Informational messages
	Error(format string, args ...interface{}) // Error messages
	Debug(format string, args ...interface{}) // Debug messages
}

// ZapLogger implements the Logger interface on top of a zap SugaredLogger.
// Lines are console-encoded with ISO8601 timestamps.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// New creates a new ZapLogger at the given level.
// Accepted levels: debug, info, warn, error. Unknown values fall back to info.
func New(level string) *ZapLogger {
	lvl := zapcore.InfoLevel
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.DisableStacktrace = true

	zl, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		zl = zap.NewNop()
	}
	return &ZapLogger{sugar: zl.Sugar()}
}

// NewNop returns a logger that discards all output. Used in tests.
func NewNop() *ZapLogger {
	return &ZapLogger{sugar: zap.NewNop().Sugar()}
}

// Info logs an informational message.
func (l *ZapLogger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Error logs an error message.
func (l *ZapLogger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// Debug logs a debug message.
func (l *ZapLogger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Sync flushes any buffered log entries. Called on shutdown.
func (l *ZapLogger) Sync() {
	_ = l.sugar.Sync()
}
