// Package logging provides the leveled, named logger used across the
// tracking, mapping, loop-closing, map-merging and relocalization workers.
package logging

import (
	"os"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var (
	globalMu     sync.RWMutex
	globalLogger = NewDebugLogger("startup")
)

// ReplaceGlobal replaces the global logger.
func ReplaceGlobal(logger Logger) {
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// Global returns the global logger.
func Global() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

func consoleEncoder() zapcore.Encoder {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	return zapcore.NewConsoleEncoder(cfg)
}

// NewLogger returns a new logger that emits Info+ logs to stdout.
func NewLogger(name string) Logger {
	core := zapcore.NewCore(consoleEncoder(), zapcore.AddSync(os.Stdout), zapcore.InfoLevel)
	return newImpl(name, INFO, core)
}

// NewDebugLogger returns a new logger that emits Debug+ logs to stdout.
func NewDebugLogger(name string) Logger {
	core := zapcore.NewCore(consoleEncoder(), zapcore.AddSync(os.Stdout), zapcore.DebugLevel)
	return newImpl(name, DEBUG, core)
}

// NewTestLogger returns a logger suitable for use in tests: Debug+ written
// through testing.TB's own output stream.
func NewTestLogger(tb testing.TB) Logger {
	logger, _ := NewObservedTestLogger(tb)
	return logger
}

// NewObservedTestLogger is like NewTestLogger but also returns an in-memory
// observer so assertions can be made against emitted log lines.
func NewObservedTestLogger(tb testing.TB) (Logger, *observer.ObservedLogs) {
	testCore := zapcore.NewCore(consoleEncoder(), zapcore.AddSync(newTestWriter(tb)), zapcore.DebugLevel)
	observerCore, observedLogs := observer.New(zap.LevelEnablerFunc(zapcore.DebugLevel.Enabled))
	return newImpl("", DEBUG, zapcore.NewTee(testCore, observerCore)), observedLogs
}
