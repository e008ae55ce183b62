package log

import (
	"context"
	"os"

	"go.uber.org/zap"
)

var logger *zap.Logger

type ctxKey string

const (
	sessionIDKey ctxKey = "session_id"
	remoteIPKey  ctxKey = "remote_ip"
)

func init() {
	if os.Getenv("DEBUG") == "true" {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
}

// WithSession returns a context whose logs carry the session ID.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// WithRemoteIP returns a context whose logs carry the client address.
func WithRemoteIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, remoteIPKey, ip)
}

func WithCtx(ctx context.Context) *zap.Logger {
	fields := []zap.Field{}

	if v := ctx.Value(sessionIDKey); v != nil {
		fields = append(fields, zap.Any("session_id", v))
	}
	if v := ctx.Value(remoteIPKey); v != nil {
		fields = append(fields, zap.Any("remote_ip", v))
	}

	return logger.With(fields...)
}

func With(fields ...zap.Field) *zap.Logger {
	return logger.With(fields...)
}

// Sync flushes buffered entries; call it before exit.
func Sync() {
	_ = logger.Sync()
}
