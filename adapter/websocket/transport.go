package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xtrack/dispatch"
	"github.com/trickstertwo/xtrack/query"
)

var (
	ErrClosed              = errors.New("websocket: transport closed")
	ErrUnauthorized        = errors.New("websocket: handshake rejected credentials")
	ErrIncompatibleVersion = errors.New("websocket: server does not speak " + Subprotocol)
)

var _ dispatch.StatefulTransport = (*Transport)(nil)

// Transport is the client side of the WebSocket protocol. Requests sent on
// a connection that drops are failed with query.CodeDisconnected.
type Transport struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *xlog.Logger

	mu       sync.Mutex
	conn     *connection
	listener dispatch.Listener
	state    dispatch.ConnectionState
	watchers []func(dispatch.ConnectionState)

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool

	metrics *transportMetrics
}

type transportMetrics struct {
	sent     atomic.Uint64
	received atomic.Uint64
	drops    atomic.Uint64
	orphaned atomic.Uint64
}

// connection is one dialed socket. pending is guarded by Transport.mu and
// set to nil once the connection dropped.
type connection struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	pending map[string]struct{}
	done    chan struct{}
	once    sync.Once
}

// NewTransport dials cfg.URL and returns a connected transport.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lg := cfg.Logger
	if lg == nil {
		lg = xlog.Default()
	}
	t := &Transport{
		cfg:    cfg,
		logger: lg,
		state:  dispatch.Disconnected,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			Subprotocols:     []string{Subprotocol},
		},
		metrics: &transportMetrics{},
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HandshakeTimeout)
	defer cancel()
	if _, err := t.connect(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Transport) connect(ctx context.Context) (dispatch.ConnectionState, error) {
	header := http.Header{}
	if t.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+t.cfg.Token)
	}

	ws, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return dispatch.AuthenticationFailure, fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
		}
		return dispatch.Disconnected, fmt.Errorf("websocket: dial %s: %w", t.cfg.URL, err)
	}
	if ws.Subprotocol() != Subprotocol {
		_ = ws.Close()
		return dispatch.IncompatibleVersion, ErrIncompatibleVersion
	}

	c := &connection{
		ws:      ws,
		pending: map[string]struct{}{},
		done:    make(chan struct{}),
	}
	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		_ = ws.Close()
		return dispatch.Disconnected, ErrClosed
	}
	t.conn = c
	t.mu.Unlock()

	// Connected is published before the loops start so a drop they observe
	// is always the last state change.
	t.setState(dispatch.Connected)
	t.wg.Add(2)
	go t.readLoop(c)
	go t.pingLoop(c)
	return dispatch.Connected, nil
}

func (t *Transport) Bind(l dispatch.Listener) {
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
}

// Send writes req as one frame. It fails with dispatch.ErrNotConnected while
// no connection is up.
func (t *Transport) Send(ctx context.Context, req *query.Request) error {
	if t.closed.Load() {
		return ErrClosed
	}

	t.mu.Lock()
	c := t.conn
	if c == nil {
		t.mu.Unlock()
		return dispatch.ErrNotConnected
	}
	c.pending[req.ID] = struct{}{}
	t.mu.Unlock()

	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(deadline)
	err := c.ws.WriteJSON(req)
	c.writeMu.Unlock()

	if err != nil {
		t.mu.Lock()
		if c.pending != nil {
			delete(c.pending, req.ID)
		}
		t.mu.Unlock()
		t.drop(c, err)
		return fmt.Errorf("websocket: write: %w", err)
	}
	t.metrics.sent.Add(1)
	return nil
}

func (t *Transport) readLoop(c *connection) {
	defer t.wg.Done()
	for {
		var resp query.Response
		if err := c.ws.ReadJSON(&resp); err != nil {
			t.drop(c, err)
			return
		}
		t.metrics.received.Add(1)

		t.mu.Lock()
		_, known := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		l := t.listener
		t.mu.Unlock()

		if !known {
			t.metrics.orphaned.Add(1)
		}
		if l == nil || resp.ID == "" {
			continue
		}
		if resp.OK() {
			l.QuerySucceeded(resp.ID, resp.Payload)
		} else {
			l.QueryFailed(resp.ID, resp.Code)
		}
	}
}

func (t *Transport) pingLoop(c *connection) {
	defer t.wg.Done()
	if t.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		c.writeMu.Lock()
		err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.cfg.WriteTimeout))
		c.writeMu.Unlock()
		if err != nil {
			t.drop(c, err)
			return
		}
	}
}

// drop tears c down once and fails the requests still waiting on it.
func (t *Transport) drop(c *connection, cause error) {
	c.once.Do(func() {
		_ = c.ws.Close()
		close(c.done)

		t.mu.Lock()
		if t.conn == c {
			t.conn = nil
		}
		pending := c.pending
		c.pending = nil
		l := t.listener
		t.mu.Unlock()

		if t.closed.Load() {
			return
		}
		t.metrics.drops.Add(1)
		t.logger.Warn().Err(cause).Str("url", t.cfg.URL).Msg("websocket: connection dropped")
		t.setState(dispatch.Disconnected)

		if l == nil {
			return
		}
		for id := range pending {
			l.QueryFailed(id, query.CodeDisconnected)
		}
	})
}

func (t *Transport) State() dispatch.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
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

func (t *Transport) setState(s dispatch.ConnectionState) {
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

// Reconnect dials again unless a connection is already up.
func (t *Transport) Reconnect(ctx context.Context) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.mu.Lock()
	up := t.conn != nil
	t.mu.Unlock()
	if up {
		return nil
	}

	t.setState(dispatch.Connecting)
	dctx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()
	if s, err := t.connect(dctx); err != nil {
		t.setState(s)
		return err
	}
	return nil
}

// Close sends a close frame and waits for the connection goroutines.
func (t *Transport) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.mu.Lock()
		c := t.conn
		t.conn = nil
		t.mu.Unlock()

		if c != nil {
			c.writeMu.Lock()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			t.drop(c, nil)
		}
	})

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

// Stats is a snapshot of client counters.
type Stats struct {
	Sent     uint64
	Received uint64
	Drops    uint64
	// Orphaned counts responses for requests this transport did not send on
	// the connection they arrived on.
	Orphaned uint64
}

func (t *Transport) Stats() Stats {
	return Stats{
		Sent:     t.metrics.sent.Load(),
		Received: t.metrics.received.Load(),
		Drops:    t.metrics.drops.Load(),
		Orphaned: t.metrics.orphaned.Load(),
	}
}
