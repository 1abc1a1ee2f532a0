// Package logger holds the process-wide zap logger.
//
// Log starts as a no-op logger so packages and tests can log before InitLogger runs.
// cmd/server calls InitLogger with LOG_LEVEL at start-up:
//
//	logger.InitLogger("debug")
//	logger.Log.Info("session issued", zap.String("tenant_id", tid))
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the shared logger. Never nil.
var Log = zap.NewNop()

// InitLogger replaces Log with a production JSON logger at the given level
// (debug, info, warn, error). Unknown levels fall back to info.
func InitLogger(level string) error {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zap.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		return err
	}
	Log = l
	return nil
}

// Sync flushes buffered log entries. Errors from syncing stderr are ignored.
func Sync() {
	_ = Log.Sync()
}
