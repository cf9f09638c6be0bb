package redisstream

import (
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xtrack/bus"
	"github.com/trickstertwo/xtrack/dispatch"
	"github.com/trickstertwo/xtrack/query"
	"github.com/trickstertwo/xtrack/track"
)

// Option configures the dispatcher built by Use.
type Option func(*dispatch.Builder)

// WithBus delivers completions and reconnects on the bus dispatch goroutine.
func WithBus(mb *bus.Bus) Option {
	return func(b *dispatch.Builder) { b.WithBus(mb) }
}

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *dispatch.Builder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *dispatch.Builder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: json).
func WithCodec(name string) Option {
	return func(b *dispatch.Builder) { b.WithCodec(name) }
}

// WithStore lets local-only queries run against s.
func WithStore(s track.Store) Option {
	return func(b *dispatch.Builder) { b.WithStore(s) }
}

// WithMiddleware adds middlewares for local-only queries.
func WithMiddleware(mw ...query.Middleware) Option {
	return func(b *dispatch.Builder) { b.WithMiddleware(mw...) }
}

// WithReconnectDelay sets the debounce before reconnecting (0 disables).
func WithReconnectDelay(d time.Duration) Option {
	return func(b *dispatch.Builder) { b.WithReconnectDelay(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...dispatch.Observer) Option {
	return func(b *dispatch.Builder) { b.WithObserver(obs...) }
}
