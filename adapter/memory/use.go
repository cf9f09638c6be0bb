package memory

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xtrack/bus"
	"github.com/trickstertwo/xtrack/dispatch"
	"github.com/trickstertwo/xtrack/query"
)

// Use builds a remote dispatcher over a loopback transport serving cfg.Store.
// Local-only queries run directly against cfg.Store.
//
// Example:
//
//	d := memory.Use(memory.Config{Store: store, Latency: 5 * time.Millisecond},
//	    memory.WithBus(mb),
//	    memory.WithLogger(logger),
//	)
//	defer d.Close(ctx)
func Use(cfg Config, opts ...Option) *dispatch.Remote {
	b := dispatch.NewBuilder().
		WithTransport(TransportName, cfg.toMap())
	if cfg.Store != nil {
		// Local-only queries run against the same store.
		b.WithStore(cfg.Store)
	}

	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}

	d, err := b.BuildRemote()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	return d
}

// toMap converts Config to the generic map expected by the transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"store":       c.Store,
		"buffer_size": c.BufferSize,
		"concurrency": c.Concurrency,
		"latency":     c.Latency,
		"middlewares": c.Middlewares,
		"logger":      c.Logger,
	}
}

// Option configures the dispatcher built by Use.
type Option func(*dispatch.Builder)

// WithBus delivers completions on the bus dispatch goroutine.
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

// WithCodec selects a codec by name (default: "json").
func WithCodec(name string) Option {
	return func(b *dispatch.Builder) { b.WithCodec(name) }
}

// WithMiddleware adds middlewares for local-only queries.
func WithMiddleware(mw ...query.Middleware) Option {
	return func(b *dispatch.Builder) { b.WithMiddleware(mw...) }
}

// WithLocal hands local-only queries to d.
func WithLocal(d dispatch.Dispatcher) Option {
	return func(b *dispatch.Builder) { b.WithLocal(d) }
}

// WithReconnectDelay sets the debounce before reconnecting (0 disables).
func WithReconnectDelay(d time.Duration) Option {
	return func(b *dispatch.Builder) { b.WithReconnectDelay(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...dispatch.Observer) Option {
	return func(b *dispatch.Builder) { b.WithObserver(obs...) }
}

// WithObserverPool configures the async observer pool.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *dispatch.Builder) { b.WithObserverPool(workers, bufferSize) }
}
