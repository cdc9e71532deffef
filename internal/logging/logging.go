// Package logging constructs the *zap.Logger shared by every component
// that logs: the watcher loop and the reference consumer. The High-Water
// Tracker, the Path Dispatcher and the reference HTTP store client never
// receive a logger.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-style JSON logger at InfoLevel. debug
// selects a human-readable console encoding with DebugLevel instead,
// for local runs of cmd/agent.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	return cfg.Build()
}
