// Package logger carries a structured zap logger on a context.Context so
// every component logs with consistent fields without threading a logger
// argument through every call.
package logger

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const loggerKey contextKey = "logger"

// PrepareLogger creates a new zap logger and stores it in the context.
//
// Usage:
//
//	ctx, log := logger.PrepareLogger(ctx)
//	log.Info("orchestrator started")
func PrepareLogger(ctx context.Context) (context.Context, *zap.Logger) {
	log := NewLoggerFromEnv()
	return context.WithValue(ctx, loggerKey, log), log
}

// GetLogger retrieves the logger from the context, falling back to a fresh
// production logger so GetLogger never returns nil.
func GetLogger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return NewProductionLogger()
	}
	if log, ok := ctx.Value(loggerKey).(*zap.Logger); ok && log != nil {
		return log
	}
	return NewProductionLogger()
}

// WithFields creates a sub-logger with additional fields and stores it back
// in the returned context.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	log := GetLogger(ctx).With(fields...)
	return context.WithValue(ctx, loggerKey, log)
}

// WithComponent tags the context's logger with a "component" field.
func WithComponent(ctx context.Context, component string) context.Context {
	return WithFields(ctx, zap.String("component", component))
}

// WithRun tags the context's logger with a "run_id" field.
func WithRun(ctx context.Context, runID string) context.Context {
	return WithFields(ctx, zap.String("run_id", runID))
}

// NewProductionLogger builds an INFO-and-above JSON logger to stdout.
func NewProductionLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// NewDevelopmentLogger builds a DEBUG-and-above human-readable logger.
func NewDevelopmentLogger() *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// NewLoggerFromEnv picks development or production encoding based on
// ARENA_ENV.
func NewLoggerFromEnv() *zap.Logger {
	if env := os.Getenv("ARENA_ENV"); env == "development" || env == "dev" {
		return NewDevelopmentLogger()
	}
	return NewProductionLogger()
}

// Sync flushes buffered log entries. Call before process exit.
func Sync(ctx context.Context) error {
	return GetLogger(ctx).Sync()
}

// Fatalf logs a fatal message with fmt.Sprintf formatting and exits.
func Fatalf(ctx context.Context, format string, args ...interface{}) {
	GetLogger(ctx).Fatal(fmt.Sprintf(format, args...))
}
