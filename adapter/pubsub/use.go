package pubsub

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xtrack/bus"
	"github.com/trickstertwo/xtrack/dispatch"
	"github.com/trickstertwo/xtrack/track"
)

const TransportName = "watermill"

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

// NewGoChannel returns an in-process pub/sub usable as both Publisher and
// Subscriber.
func NewGoChannel(l *xlog.Logger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, NewLogger(l))
}

// Use builds a remote dispatcher publishing through cfg.Publisher.
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
		panic(fmt.Errorf("pubsub.Use: %w", err))
	}
	return d
}

// Option configures the dispatcher built by Use.
type Option func(*dispatch.Builder)

func WithBus(mb *bus.Bus) Option {
	return func(b *dispatch.Builder) { b.WithBus(mb) }
}

func WithLogger(l *xlog.Logger) Option {
	return func(b *dispatch.Builder) { b.WithLogger(l) }
}

// WithStore lets local-only queries run against s.
func WithStore(s track.Store) Option {
	return func(b *dispatch.Builder) { b.WithStore(s) }
}

func WithObserver(obs ...dispatch.Observer) Option {
	return func(b *dispatch.Builder) { b.WithObserver(obs...) }
}
