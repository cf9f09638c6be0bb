package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/trickstertwo/xtrack/bus"
	"github.com/trickstertwo/xtrack/query"
)

// DefaultReconnectDelay is how long a dropped connection waits before
// Reconnect. Repeated drops within the delay coalesce into one attempt.
const DefaultReconnectDelay = 2500 * time.Millisecond

var (
	_ Dispatcher    = (*Remote)(nil)
	_ Listener      = (*Remote)(nil)
	_ HealthChecker = (*Remote)(nil)
	_ bus.Target    = (*Remote)(nil)
)

// Remote sends queries through a Transport and matches the responses back by
// correlation id. Local-only queries go to the configured local dispatcher.
type Remote struct {
	*engine
	transport Transport
	codec     query.Codec
	local     Dispatcher
	ownsLocal *Local

	reconnect      bool
	reconnectDelay time.Duration
	state          atomic.Int32

	closeOnce sync.Once
	closeErr  error
}

type remoteConfig struct {
	transport      Transport
	codec          query.Codec
	local          Dispatcher
	ownsLocal      *Local
	reconnect      bool
	reconnectDelay time.Duration
}

func newRemote(rc remoteConfig, cfg engineConfig) *Remote {
	cfg.kind = "remote"
	r := &Remote{
		engine:         newEngine(cfg),
		transport:      rc.transport,
		codec:          rc.codec,
		local:          rc.local,
		ownsLocal:      rc.ownsLocal,
		reconnect:      rc.reconnect,
		reconnectDelay: rc.reconnectDelay,
	}
	if r.codec == nil {
		r.codec = query.JSONCodec{}
	}
	if r.reconnectDelay <= 0 {
		r.reconnectDelay = DefaultReconnectDelay
	}

	r.state.Store(int32(Connected))
	if st, ok := r.transport.(StatefulTransport); ok {
		r.state.Store(int32(st.State()))
		st.OnStateChange(r.onStateChange)
	}
	r.transport.Bind(r)
	r.start(r, r.exec)
	return r
}

func (r *Remote) Enqueue(q query.Query, cb Callback) int64 {
	return r.EnqueueAndWait(q, 0, cb)
}

func (r *Remote) EnqueueAndWait(q query.Query, timeout time.Duration, cb Callback) int64 {
	if q != nil && q.LocalOnly() {
		if r.local == nil || r.isClosed() {
			r.reject(q, ErrNoLocalDispatcher)
			return InvalidID
		}
		return r.local.EnqueueAndWait(q, timeout, cb)
	}
	return r.enqueue(q, timeout, cb)
}

// State returns the last known connection state. Transports without a
// connection always report Connected.
func (r *Remote) State() ConnectionState {
	return ConnectionState(r.state.Load())
}

// QuerySucceeded implements Listener.
func (r *Remote) QuerySucceeded(correlationID string, result []byte) {
	qc := r.takeCorrelation(correlationID)
	if qc == nil {
		r.discard(correlationID)
		return
	}
	if err := qc.q.DeserializeResult(result); err != nil {
		qc.q.Fail(fmt.Errorf("dispatch: decode result: %w", err))
	} else {
		qc.q.Finish()
	}
	r.complete(qc)
}

// QueryFailed implements Listener.
func (r *Remote) QueryFailed(correlationID string, code query.ErrorCode) {
	qc := r.takeCorrelation(correlationID)
	if qc == nil {
		r.discard(correlationID)
		return
	}
	qc.q.Fail(&RemoteError{Code: code})
	r.complete(qc)
}

// ProcessMessage handles completions, connection state updates and
// scheduled reconnects on the bus dispatch goroutine.
func (r *Remote) ProcessMessage(m *bus.Message) {
	switch m.Type {
	case MsgQueryCompleted:
		r.handleCompleted(m)
	case MsgConnectionStateChanged:
		r.applyState(ConnectionState(m.Data1))
	case MsgReconnect:
		r.reconnectNow()
	}
}

// Close rejects new queries, invalidates pending and in-flight ones and
// closes the transport. Responses arriving afterwards are discarded.
func (r *Remote) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		if r.bus != nil {
			r.bus.Remove(r, MsgReconnect)
			r.bus.Remove(r, MsgConnectionStateChanged)
		}
		var errs []error
		if err := r.shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := r.transport.Close(ctx); err != nil {
			r.logger.Error().Err(err).Msg("dispatch: transport close failed")
			errs = append(errs, err)
		}
		if r.ownsLocal != nil {
			if err := r.ownsLocal.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		r.closeErr = errors.Join(errs...)
	})
	return r.closeErr
}

// Health adds the connection state to the engine health.
func (r *Remote) Health(ctx context.Context) HealthStatus {
	h := r.engine.Health(ctx)
	if h.Status == "healthy" && r.State() != Connected {
		h.Status = "degraded"
		h.Message = "transport " + r.State().String()
	}
	return h
}

func (r *Remote) exec(qc *queryContext) {
	q := qc.q
	if !q.Start() {
		// Started elsewhere since it was enqueued.
		q.Invalidate(ErrAlreadyEnqueued)
		r.complete(qc)
		return
	}
	q.SetCodec(r.codec)

	corrID := uuid.NewString()
	req, err := query.NewRequest(corrID, q)
	if err != nil {
		q.Fail(fmt.Errorf("%w: %w", ErrSerialize, err))
		r.complete(qc)
		return
	}

	// Recorded before Send so a fast response finds its context.
	if !r.correlate(qc, corrID) {
		return
	}

	start := r.clock.Now()
	if err := r.transport.Send(r.ctx, req); err != nil {
		r.takeCorrelation(corrID)
		q.Invalidate(fmt.Errorf("%w: %w", ErrSendFailed, err))
		r.complete(qc)
		return
	}
	r.metrics.sent.Add(1)
	r.notify(Event{
		Type:          Sent,
		QueryID:       q.ID(),
		QueryName:     q.Name(),
		CorrelationID: corrID,
		Duration:      r.clock.Since(start),
	})
}

// onStateChange is called by the transport on its own goroutine.
func (r *Remote) onStateChange(s ConnectionState) {
	if r.bus != nil && r.bus.Post(bus.NewMessage(r, MsgConnectionStateChanged, int64(s), 0), 0) {
		return
	}
	r.applyState(s)
}

func (r *Remote) applyState(s ConnectionState) {
	prev := ConnectionState(r.state.Swap(int32(s)))
	if prev == s {
		return
	}
	r.notify(Event{Type: StateChanged, State: s})
	if r.bus == nil {
		return
	}
	r.bus.Broadcast(bus.NewBroadcast(MsgConnectionState, int64(s), int64(prev)), 0)

	// Authentication and version failures are not retried.
	if s == Disconnected && r.reconnect && !r.isClosed() {
		r.bus.Debounce(bus.NewMessage(r, MsgReconnect, 0, 0), r.reconnectDelay)
	}
}

func (r *Remote) reconnectNow() {
	st, ok := r.transport.(StatefulTransport)
	if !ok || r.isClosed() || st.State() != Disconnected {
		return
	}
	go func() {
		if err := st.Reconnect(r.ctx); err != nil && r.ctx.Err() == nil {
			r.logger.Warn().Err(err).Msg("dispatch: reconnect failed")
		}
	}()
}
