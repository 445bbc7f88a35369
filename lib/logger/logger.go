package logger

import (
	"context"
	"log/slog"
)

type contextKey string

const loggerKey contextKey = "logger"

// PoolKey is the attribute that routes a record to a pool log.
const PoolKey = "vg_uuid"

// OperationKey names the agent command a record was logged under.
const OperationKey = "operation"

// AddToContext adds a logger to the context
func AddToContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the logger from context, or returns default
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// With attaches args to the context logger and returns both.
func With(ctx context.Context, args ...any) (context.Context, *slog.Logger) {
	log := FromContext(ctx).With(args...)
	return AddToContext(ctx, log), log
}

// ForOperation tags the context logger with an operation name and, when
// vgUUID is set, the pool it acts on. Records then also land in that
// pool's log.
func ForOperation(ctx context.Context, op, vgUUID string) (context.Context, *slog.Logger) {
	args := []any{OperationKey, op}
	if vgUUID != "" {
		args = append(args, PoolKey, vgUUID)
	}
	return With(ctx, args...)
}
