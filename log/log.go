// Copyright 2024 The meshnet Authors
// This file is part of the meshnet library, released under the GNU LGPL v3.

// Package log provides a small structured-logging facade over zap so
// that every component in the transport core takes an injected logger
// instead of reaching for a process-global one.
package log

import (
	"go.uber.org/zap"
)

// Logger is a structured, per-module logger. The zero value is not
// usable; obtain one via NewModuleLogger or New.
type Logger struct {
	sugar  *zap.SugaredLogger
	module string
}

var base = mustBuildBase()

func mustBuildBase() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.DisableStacktrace = true
	l, err := cfg.Build()
	if err != nil {
		// Fall back to a no-op logger rather than panic on construction
		// of the package-level default; callers can still supply New(l).
		return zap.NewNop()
	}
	return l
}

// NewModuleLogger returns a Logger tagged with the given module name,
// built on the package's base zap logger.
func NewModuleLogger(module string) *Logger {
	return New(base, module)
}

// New builds a Logger from a caller-supplied zap.Logger, so embedding
// programs can redirect output (e.g. to a file or a different sink)
// without this package ever touching a global.
func New(zl *zap.Logger, module string) *Logger {
	return &Logger{sugar: zl.Sugar().Named(module), module: module}
}

func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{sugar: l.sugar.With(keysAndValues...), module: l.module}
}

func (l *Logger) Trace(msg string, kv ...interface{}) { l.sugar.Debugw(msg, kv...) }
func (l *Logger) Debug(msg string, kv ...interface{}) { l.sugar.Debugw(msg, kv...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.sugar.Infow(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.sugar.Warnw(msg, kv...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.sugar.Errorw(msg, kv...) }

// Sync flushes any buffered log entries. Embedding programs should
// call this on shutdown.
func (l *Logger) Sync() error { return l.sugar.Sync() }
