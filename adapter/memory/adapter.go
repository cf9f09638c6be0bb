// Package memory is an in-process loopback transport. Every request goes
// through the full remote path: it is serialized, rebuilt from the query
// registry, executed against a local store, and its result is serialized
// back and handed to the dispatcher. Useful for development, tests and for
// exercising remote code paths without a server.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xtrack/dispatch"
	"github.com/trickstertwo/xtrack/query"
	"github.com/trickstertwo/xtrack/track"
)

const TransportName = "memory"

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("memory: transport closed")

func init() {
	if err := dispatch.RegisterTransport(TransportName, func(cfg map[string]any) (dispatch.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xtrack/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// Store executes the requests. Without one every request fails with
	// query.CodeUnavailable.
	Store track.Store
	// BufferSize is the request queue size (default: 1024).
	BufferSize int
	// Concurrency is the number of executing goroutines (default: 1).
	Concurrency int
	// Latency delays every response to simulate a network (default: 0).
	Latency time.Duration
	// Middlewares wrap execution on the serving side.
	Middlewares []query.Middleware
	Logger      *xlog.Logger
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}

	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	c := Config{
		BufferSize:  max(1, getInt("buffer_size", 1024)),
		Concurrency: max(1, getInt("concurrency", 1)),
		Latency:     getDur("latency", 0),
	}
	c.Store, _ = cfg["store"].(track.Store)
	c.Middlewares, _ = cfg["middlewares"].([]query.Middleware)
	c.Logger, _ = cfg["logger"].(*xlog.Logger)
	return c
}

// Transport implements dispatch.StatefulTransport in memory. Its connection
// state only changes through SetState and Reconnect.
type Transport struct {
	cfg    Config
	logger *xlog.Logger

	mu       sync.RWMutex
	listener dispatch.Listener
	state    dispatch.ConnectionState
	watchers []func(dispatch.ConnectionState)

	queue  chan *query.Request
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	metrics *transportMetrics
}

type transportMetrics struct {
	sent      atomic.Uint64
	executed  atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

var _ dispatch.StatefulTransport = (*Transport)(nil)

// NewTransport creates a connected loopback transport and starts its workers.
func NewTransport(cfg Config) *Transport {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	lg := cfg.Logger
	if lg == nil {
		lg = xlog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:     cfg,
		logger:  lg,
		state:   dispatch.Connected,
		queue:   make(chan *query.Request, cfg.BufferSize),
		ctx:     ctx,
		cancel:  cancel,
		metrics: &transportMetrics{},
	}
	for i := 0; i < cfg.Concurrency; i++ {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.worker()
		}()
	}
	return t
}

func (t *Transport) Bind(l dispatch.Listener) {
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
}

// Send queues req for execution. It blocks only while the queue is full.
func (t *Transport) Send(ctx context.Context, req *query.Request) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if t.State() != dispatch.Connected {
		return dispatch.ErrNotConnected
	}

	select {
	case t.queue <- req:
	default:
		// Queue full: block to preserve ordering.
		select {
		case t.queue <- req:
		case <-ctx.Done():
			return ctx.Err()
		case <-t.ctx.Done():
			return ErrClosed
		}
	}
	t.metrics.sent.Add(1)
	return nil
}

func (t *Transport) worker() {
	for {
		select {
		case <-t.ctx.Done():
			return
		case req := <-t.queue:
			t.handle(req)
		}
	}
}

func (t *Transport) handle(req *query.Request) {
	if d := t.cfg.Latency; d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-t.ctx.Done():
			timer.Stop()
			return
		}
	}

	var resp *query.Response
	if t.cfg.Store == nil {
		resp = &query.Response{ID: req.ID, Code: query.CodeUnavailable, Error: "memory: no store configured"}
	} else {
		resp = query.Execute(t.ctx, t.cfg.Store, req, t.cfg.Middlewares...)
	}
	t.metrics.executed.Add(1)

	t.mu.RLock()
	l := t.listener
	connected := t.state == dispatch.Connected
	t.mu.RUnlock()

	switch {
	case l == nil:
		t.metrics.dropped.Add(1)
		t.logger.Warn().Str("query", req.Name).Msg("memory: no listener bound, response dropped")
	case !connected:
		t.metrics.failed.Add(1)
		l.QueryFailed(req.ID, query.CodeDisconnected)
	case resp.OK():
		t.metrics.succeeded.Add(1)
		l.QuerySucceeded(resp.ID, resp.Payload)
	default:
		t.metrics.failed.Add(1)
		t.logger.Debug().
			Str("query", req.Name).
			Str("code", resp.Code.String()).
			Str("error", resp.Error).
			Msg("memory: query failed")
		l.QueryFailed(resp.ID, resp.Code)
	}
}

func (t *Transport) State() dispatch.ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Transport) OnStateChange(fn func(dispatch.ConnectionState)) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	t.watchers = append(t.watchers, fn)
	t.mu.Unlock()
}

// SetState simulates a connection state transition, e.g. a dropped link.
func (t *Transport) SetState(s dispatch.ConnectionState) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	watchers := append([]func(dispatch.ConnectionState)(nil), t.watchers...)
	t.mu.Unlock()

	for _, fn := range watchers {
		fn(s)
	}
}

// Reconnect goes through Connecting back to Connected.
func (t *Transport) Reconnect(ctx context.Context) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.SetState(dispatch.Connecting)
	t.SetState(dispatch.Connected)
	return nil
}

// Close stops the workers. Queued requests are not answered.
func (t *Transport) Close(ctx context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	t.cancel()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats is a snapshot of transport counters.
type Stats struct {
	Sent      uint64
	Executed  uint64
	Succeeded uint64
	Failed    uint64
	Dropped   uint64
}

func (t *Transport) Stats() Stats {
	return Stats{
		Sent:      t.metrics.sent.Load(),
		Executed:  t.metrics.executed.Load(),
		Succeeded: t.metrics.succeeded.Load(),
		Failed:    t.metrics.failed.Load(),
		Dropped:   t.metrics.dropped.Load(),
	}
}
