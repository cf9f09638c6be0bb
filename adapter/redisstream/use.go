package redisstream

import (
	"fmt"

	"github.com/trickstertwo/xtrack/dispatch"
)

const TransportName = "redis-streams"

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

// Use builds a remote dispatcher over Redis Streams. It panics when Redis
// cannot be reached; build through dispatch.NewBuilder to handle the error.
//
// Example:
//
//	d := redisstream.Use(cfg, redisstream.WithBus(mb))
//	defer d.Close(ctx)
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
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}
	return d
}
