package query

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

type ctxKey string

const (
	loggerCtxKey ctxKey = "xtrack:logger"
	clockCtxKey  ctxKey = "xtrack:clock"
)

// WithLogger attaches l to ctx for queries running under it.
func WithLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

// LoggerFromContext returns the logger attached with WithLogger, or the
// default logger.
func LoggerFromContext(ctx context.Context) *xlog.Logger {
	if l, ok := ctx.Value(loggerCtxKey).(*xlog.Logger); ok && l != nil {
		return l
	}
	return xlog.Default()
}

// WithClock attaches c to ctx for queries running under it.
func WithClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

// ClockFromContext returns the clock attached with WithClock, or the default
// clock.
func ClockFromContext(ctx context.Context) xclock.Clock {
	if c, ok := ctx.Value(clockCtxKey).(xclock.Clock); ok && c != nil {
		return c
	}
	return xclock.Default()
}

// InjectAll attaches the logger and clock in one call.
func InjectAll(ctx context.Context, logger *xlog.Logger, clock xclock.Clock) context.Context {
	return WithClock(WithLogger(ctx, logger), clock)
}
