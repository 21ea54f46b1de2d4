package server

import (
	"context"
	"log/slog"

	"clipflow/internal/observability/logging"
)

// requestLogger prefers the request-scoped logger installed by the request-id
// middleware and falls back to annotating the base logger from context.
func requestLogger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if ctxLogger := logging.LoggerFromContext(ctx); ctxLogger != nil {
		return ctxLogger
	}
	if annotated := logging.WithContext(ctx, base); annotated != nil {
		return annotated
	}
	return base
}
