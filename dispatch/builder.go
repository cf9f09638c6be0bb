package dispatch

import (
	"context"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xtrack/bus"
	"github.com/trickstertwo/xtrack/query"
	"github.com/trickstertwo/xtrack/track"
)

// Builder constructs Local and Remote dispatchers.
type Builder struct {
	bus *bus.Bus

	transportName string
	transportCfg  map[string]any
	transportInst Transport

	store track.Store
	local Dispatcher

	codecName string
	codecInst query.Codec

	middlewares []query.Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock

	poolWorkers int
	poolBuffer  int

	reconnect      bool
	reconnectDelay time.Duration
}

// NewBuilder returns a builder with JSON serialization and automatic
// reconnects after DefaultReconnectDelay.
func NewBuilder() *Builder {
	return &Builder{
		codecName:      "json",
		reconnect:      true,
		reconnectDelay: DefaultReconnectDelay,
		poolWorkers:    2,
		poolBuffer:     1000,
	}
}

// WithBus makes completions run on the bus dispatch goroutine. Without a bus
// callbacks run on whichever goroutine completed the query.
func (b *Builder) WithBus(mb *bus.Bus) *Builder {
	b.bus = mb
	return b
}

// WithTransport selects a registered transport by name.
func (b *Builder) WithTransport(name string, cfg map[string]any) *Builder {
	b.transportName = name
	b.transportCfg = cfg
	return b
}

// WithTransportInstance accepts a ready Transport (e.g. from an adapter's Use).
func (b *Builder) WithTransportInstance(t Transport) *Builder {
	b.transportInst = t
	return b
}

// WithStore sets the store local queries run against. For a remote
// dispatcher it enables local-only queries through an internal Local.
func (b *Builder) WithStore(s track.Store) *Builder {
	b.store = s
	return b
}

// WithLocal sets the dispatcher a Remote hands local-only queries to.
func (b *Builder) WithLocal(d Dispatcher) *Builder {
	b.local = d
	return b
}

func (b *Builder) WithCodec(name string) *Builder {
	b.codecName = name
	return b
}

// WithCodecInstance accepts a ready Codec instance.
func (b *Builder) WithCodecInstance(c query.Codec) *Builder {
	b.codecInst = c
	return b
}

// WithMiddleware adds execution middleware for local queries.
func (b *Builder) WithMiddleware(mw ...query.Middleware) *Builder {
	b.middlewares = append(b.middlewares, mw...)
	return b
}

func (b *Builder) WithObserver(obs ...Observer) *Builder {
	for _, o := range obs {
		if o != nil {
			b.observers = append(b.observers, o)
		}
	}
	return b
}

// WithObserverPool sizes the asynchronous observer pool.
func (b *Builder) WithObserverPool(workers, bufferSize int) *Builder {
	b.poolWorkers = workers
	b.poolBuffer = bufferSize
	return b
}

func (b *Builder) WithLogger(l *xlog.Logger) *Builder {
	b.logger = l
	return b
}

func (b *Builder) WithClock(c xclock.Clock) *Builder {
	b.clock = c
	return b
}

// WithReconnectDelay sets the reconnect delay; 0 disables reconnects.
func (b *Builder) WithReconnectDelay(d time.Duration) *Builder {
	b.reconnect = d > 0
	if d > 0 {
		b.reconnectDelay = d
	}
	return b
}

// BuildLocal returns a dispatcher running queries against the store.
func (b *Builder) BuildLocal() (*Local, error) {
	if b.store == nil {
		return nil, ErrNoStoreConfigured
	}
	return newLocal(b.store, b.middlewares, b.engineConfig()), nil
}

// BuildRemote returns a dispatcher sending queries through the transport.
func (b *Builder) BuildRemote() (*Remote, error) {
	var tr Transport
	var err error
	switch {
	case b.transportInst != nil:
		tr = b.transportInst
	case b.transportName != "":
		tr, err = NewTransport(b.transportName, b.transportCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoTransportConfigured
	}

	var cd query.Codec
	if b.codecInst != nil {
		cd = b.codecInst
	} else {
		cd, err = query.NewCodec(b.codecName)
		if err != nil {
			if b.transportInst == nil {
				// Built here, so nobody else will close it.
				_ = tr.Close(context.Background())
			}
			return nil, err
		}
	}

	rc := remoteConfig{
		transport:      tr,
		codec:          cd,
		local:          b.local,
		reconnect:      b.reconnect,
		reconnectDelay: b.reconnectDelay,
	}
	if rc.local == nil && b.store != nil {
		rc.ownsLocal = newLocal(b.store, b.middlewares, b.engineConfig())
		rc.local = rc.ownsLocal
	}
	return newRemote(rc, b.engineConfig()), nil
}

func (b *Builder) engineConfig() engineConfig {
	lg := b.logger
	if lg == nil {
		lg = xlog.Default()
	}
	clk := b.clock
	if clk == nil {
		clk = xclock.Default()
	}

	// Logging observer first unless one was supplied.
	var observers []Observer
	hasLoggingObserver := false
	for _, o := range b.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		observers = append(observers, LoggingObserver{Logger: lg})
	}
	observers = append(observers, b.observers...)

	return engineConfig{
		bus:       b.bus,
		clock:     clk,
		logger:    lg,
		observers: observers,
		pool:      NewObserverPool(context.Background(), b.poolWorkers, b.poolBuffer),
	}
}
