package slogx

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

func FromContext(ctx context.Context) *slog.Logger {
	l, ok := ctx.Value(ctxKey{}).(*slog.Logger)
	if !ok {
		return slog.Default()
	}
	return l
}

// WithSessionID tags the context logger with the onboarding session id so
// every log line for one workflow can be correlated.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	l := FromContext(ctx)
	return WithContext(ctx, l.With("session_id", sessionID))
}
