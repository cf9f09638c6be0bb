package websocket

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xtrack/bus"
	"github.com/trickstertwo/xtrack/dispatch"
	"github.com/trickstertwo/xtrack/query"
	"github.com/trickstertwo/xtrack/track"
)

const TransportName = "websocket"

func init() {
	if err := dispatch.RegisterTransport(TransportName, func(cfg map[string]any) (dispatch.Transport, error) {
		t, err := NewTransport(ConfigFromMap(cfg))
		if err != nil {
			return nil, err
		}
		return t, nil
	}); err != nil {
		panic(fmt.Errorf("dispatch: failed to register transport %q: %w", TransportName, err))
	}
}

// Use dials cfg.URL and builds a remote dispatcher over the connection. It
// panics when the server cannot be reached.
func Use(cfg Config, opts ...Option) *dispatch.Remote {
	b := dispatch.NewBuilder().
		WithTransport(TransportName, cfg.toMap())
	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}
	d, err := b.BuildRemote()
	if err != nil {
		panic(fmt.Errorf("websocket.Use: %w", err))
	}
	return d
}

// Option configures the dispatcher built by Use.
type Option func(*dispatch.Builder)

// WithBus delivers completions and schedules reconnects on mb.
func WithBus(mb *bus.Bus) Option {
	return func(b *dispatch.Builder) { b.WithBus(mb) }
}

func WithLogger(l *xlog.Logger) Option {
	return func(b *dispatch.Builder) { b.WithLogger(l) }
}

func WithClock(c xclock.Clock) Option {
	return func(b *dispatch.Builder) { b.WithClock(c) }
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

func WithObserver(obs ...dispatch.Observer) Option {
	return func(b *dispatch.Builder) { b.WithObserver(obs...) }
}
