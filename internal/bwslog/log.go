// Package bwslog centralizes structured logging so every BWS subsystem
// logs through the same sink with the same field conventions, the way
// caddy.Log() hands every module a scoped *zap.Logger.
package bwslog

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var root atomic.Pointer[zap.Logger]

func init() {
	root.Store(newDefault())
}

func newDefault() *zap.Logger {
	if os.Getenv("BWS_DEV") != "" {
		l, err := zap.NewDevelopment()
		if err != nil {
			return zap.NewNop()
		}
		return l
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// Root returns the process-wide logger. Subsystems should call Named
// (and With, for request/site-scoped fields) rather than logging
// through Root directly.
func Root() *zap.Logger { return root.Load() }

// Named returns a child logger scoped to a component name, e.g.
// bwslog.Named("upstream") or bwslog.Named("supervisor.reload").
func Named(name string) *zap.Logger { return root.Load().Named(name) }

// SetRoot replaces the process-wide logger, for example with one built
// on an observer core so emitted log lines can be asserted on.
func SetRoot(l *zap.Logger) { root.Store(l) }

// Sync flushes any buffered log entries. Call during shutdown.
func Sync() error { return root.Load().Sync() }
