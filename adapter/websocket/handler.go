package websocket

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xtrack/query"
	"github.com/trickstertwo/xtrack/track"
)

// Handler serves the WebSocket protocol: every request frame is executed
// against a store and answered on the same connection.
type Handler struct {
	store       track.Store
	mws         []query.Middleware
	logger      *xlog.Logger
	token       string
	concurrency int
	upgrader    websocket.Upgrader

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
	wg     sync.WaitGroup

	metrics *handlerMetrics
}

type handlerMetrics struct {
	connections atomic.Uint64
	served      atomic.Uint64
	failed      atomic.Uint64
	malformed   atomic.Uint64
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithToken requires "Authorization: Bearer <token>" on the handshake.
func WithToken(token string) HandlerOption {
	return func(h *Handler) { h.token = token }
}

func WithHandlerLogger(l *xlog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithHandlerMiddleware wraps query execution.
func WithHandlerMiddleware(mw ...query.Middleware) HandlerOption {
	return func(h *Handler) { h.mws = append(h.mws, mw...) }
}

// WithConcurrency bounds the requests executed at once per connection.
func WithConcurrency(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.concurrency = n
		}
	}
}

// WithOriginCheck replaces the same-origin check of the upgrader.
func WithOriginCheck(fn func(r *http.Request) bool) HandlerOption {
	return func(h *Handler) { h.upgrader.CheckOrigin = fn }
}

// NewHandler returns a Handler executing requests against store.
func NewHandler(store track.Store, opts ...HandlerOption) *Handler {
	h := &Handler{
		store:       store,
		logger:      xlog.Default(),
		concurrency: 8,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{Subprotocol},
		},
		conns:   map[*websocket.Conn]struct{}{},
		metrics: &handlerMetrics{},
	}
	for _, o := range opts {
		if o != nil {
			o(h)
		}
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.token != "" && r.Header.Get("Authorization") != "Bearer "+h.token {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already answered with an HTTP error.
		h.logger.Debug().Err(err).Msg("websocket: upgrade failed")
		return
	}
	if ws.Subprotocol() != Subprotocol {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseProtocolError, "expected "+Subprotocol),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}

	if !h.track(ws) {
		_ = ws.Close()
		return
	}
	defer h.untrack(ws)

	h.metrics.connections.Add(1)
	h.serve(r.Context(), ws)
}

func (h *Handler) serve(parent context.Context, ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(parent)
	var inflight sync.WaitGroup
	defer func() {
		cancel()
		inflight.Wait()
		_ = ws.Close()
	}()

	var writeMu sync.Mutex
	sem := make(chan struct{}, h.concurrency)
	codec := query.JSONCodec{}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug().Err(err).Msg("websocket: client connection lost")
			}
			return
		}

		req := &query.Request{}
		if err := codec.Unmarshal(data, req); err != nil || req.ID == "" {
			h.metrics.malformed.Add(1)
			h.logger.Warn().Err(err).Msg("websocket: malformed request frame")
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		inflight.Add(1)
		go func() {
			defer func() {
				<-sem
				inflight.Done()
			}()
			resp := query.Execute(ctx, h.store, req, h.mws...)
			if resp.OK() {
				h.metrics.served.Add(1)
			} else {
				h.metrics.failed.Add(1)
			}

			writeMu.Lock()
			defer writeMu.Unlock()
			_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := ws.WriteJSON(resp); err != nil {
				h.logger.Debug().Err(err).Str("query", req.Name).Msg("websocket: response write failed")
			}
		}()
	}
}

func (h *Handler) track(ws *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[ws] = struct{}{}
	return true
}

func (h *Handler) untrack(ws *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, ws)
	h.mu.Unlock()
}

// Close drops every client connection, waits for their requests and makes
// later handshakes fail with 503.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for ws := range h.conns {
		conns = append(conns, ws)
	}
	h.mu.Unlock()

	for _, ws := range conns {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		_ = ws.Close()
	}
	h.wg.Wait()
}

// HandlerStats is a snapshot of server counters.
type HandlerStats struct {
	Connections uint64
	Served      uint64
	Failed      uint64
	Malformed   uint64
}

func (h *Handler) Stats() HandlerStats {
	return HandlerStats{
		Connections: h.metrics.connections.Load(),
		Served:      h.metrics.served.Load(),
		Failed:      h.metrics.failed.Load(),
		Malformed:   h.metrics.malformed.Load(),
	}
}
