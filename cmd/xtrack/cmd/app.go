package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xtrack/adapter/memory"
	"github.com/trickstertwo/xtrack/adapter/pubsub"
	"github.com/trickstertwo/xtrack/adapter/redisstream"
	"github.com/trickstertwo/xtrack/adapter/websocket"
	"github.com/trickstertwo/xtrack/bus"
	"github.com/trickstertwo/xtrack/config"
	"github.com/trickstertwo/xtrack/dispatch"
	"github.com/trickstertwo/xtrack/store/blevestore"
	"github.com/trickstertwo/xtrack/store/memstore"
	"github.com/trickstertwo/xtrack/store/sqlite"
	"github.com/trickstertwo/xtrack/track"
)

// closeFunc releases whatever a constructor opened.
type closeFunc func(ctx context.Context) error

func openStore(cfg config.Config, logger *xlog.Logger) (track.Store, error) {
	switch cfg.Store.Kind {
	case config.StoreMemory:
		return memstore.New(), nil
	case config.StoreSQLite:
		s, err := sqlite.Open(cfg.Store.Path, sqlite.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreBleve:
		s, err := blevestore.Open(cfg.Store.Path, blevestore.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
	}
}

func redisConfig(cfg config.Config, logger *xlog.Logger) redisstream.Config {
	rc := redisstream.Defaults()
	rc.Addr = cfg.Redis.Addr
	rc.Username = cfg.Redis.Username
	rc.Password = cfg.Redis.Password
	rc.DB = cfg.Redis.DB
	rc.TLS = cfg.Redis.TLS
	rc.RequestStream = cfg.Redis.RequestStream
	rc.Group = cfg.Redis.Group
	if cfg.Redis.Consumer != "" {
		rc.Consumer = cfg.Redis.Consumer
		rc.ReplyStream = "xtrack:replies:" + cfg.Redis.Consumer
	}
	rc.DeadLetter = cfg.Redis.DeadLetter
	rc.Logger = logger
	return rc
}

// newDispatcher builds the dispatcher selected by cfg.Transport. Transports
// that execute in process open the configured store; the others only need
// their server to be reachable.
func newDispatcher(cfg config.Config, mb *bus.Bus, logger *xlog.Logger) (dispatch.Dispatcher, closeFunc, error) {
	b := dispatch.NewBuilder().
		WithBus(mb).
		WithLogger(logger).
		WithReconnectDelay(cfg.ReconnectDelay)

	switch cfg.Transport {
	case config.TransportLocal:
		s, err := openStore(cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		d, err := b.WithStore(s).BuildLocal()
		if err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		return d, func(ctx context.Context) error {
			return errors.Join(d.Close(ctx), s.Close())
		}, nil

	case config.TransportLoopback:
		s, err := openStore(cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		d := memory.Use(memory.Config{Store: s, Logger: logger},
			memory.WithBus(mb),
			memory.WithLogger(logger),
			memory.WithReconnectDelay(cfg.ReconnectDelay),
		)
		return d, func(ctx context.Context) error {
			return errors.Join(d.Close(ctx), s.Close())
		}, nil

	case config.TransportRedis:
		tr, err := redisstream.NewTransport(redisConfig(cfg, logger))
		if err != nil {
			return nil, nil, err
		}
		d, err := b.WithTransportInstance(tr).BuildRemote()
		if err != nil {
			_ = tr.Close(context.Background())
			return nil, nil, err
		}
		return d, d.Close, nil

	case config.TransportWebSocket:
		wc := websocket.Defaults()
		wc.URL = cfg.WebSocket.URL
		wc.Token = cfg.WebSocket.Token
		wc.Logger = logger
		tr, err := websocket.NewTransport(wc)
		if err != nil {
			return nil, nil, err
		}
		d, err := b.WithTransportInstance(tr).BuildRemote()
		if err != nil {
			_ = tr.Close(context.Background())
			return nil, nil, err
		}
		return d, d.Close, nil

	case config.TransportWatermill:
		return newWatermillDispatcher(cfg, mb, logger)

	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// newWatermillDispatcher wires a client and a responder over one in-process
// GoChannel.
func newWatermillDispatcher(cfg config.Config, mb *bus.Bus, logger *xlog.Logger) (dispatch.Dispatcher, closeFunc, error) {
	s, err := openStore(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	ps := pubsub.NewGoChannel(logger)

	pc := pubsub.Defaults()
	pc.Publisher = ps
	pc.Subscriber = ps
	pc.Logger = logger

	resp, err := pubsub.NewResponder(pc, s)
	if err == nil {
		err = resp.Start(context.Background())
	}
	if err != nil {
		_ = ps.Close()
		_ = s.Close()
		return nil, nil, err
	}

	d := pubsub.Use(pc,
		pubsub.WithBus(mb),
		pubsub.WithLogger(logger),
		pubsub.WithStore(s),
	)
	return d, func(ctx context.Context) error {
		return errors.Join(d.Close(ctx), resp.Close(), ps.Close(), s.Close())
	}, nil
}
