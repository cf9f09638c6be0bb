package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xtrack/bus"
	"github.com/trickstertwo/xtrack/query"
	"github.com/trickstertwo/xtrack/store/memstore"
	"github.com/trickstertwo/xtrack/track"
)

// hungTransport accepts requests and never answers.
type hungTransport struct {
	mu     sync.Mutex
	l      Listener
	sent   []*query.Request
	err    error
	closed bool
}

func (t *hungTransport) Bind(l Listener) { t.l = l }

func (t *hungTransport) Send(_ context.Context, req *query.Request) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, req)
	return nil
}

func (t *hungTransport) Close(context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *hungTransport) requests() []*query.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*query.Request(nil), t.sent...)
}

// loopTransport answers every request by executing it against a store.
type loopTransport struct {
	hungTransport
	store track.Store
}

func (t *loopTransport) Send(ctx context.Context, req *query.Request) error {
	if err := t.hungTransport.Send(ctx, req); err != nil {
		return err
	}
	go func() {
		resp := query.Execute(context.Background(), t.store, req)
		if resp.OK() {
			t.l.QuerySucceeded(resp.ID, resp.Payload)
			return
		}
		t.l.QueryFailed(resp.ID, resp.Code)
	}()
	return nil
}

// statefulTransport is a hungTransport with a connection state.
type statefulTransport struct {
	hungTransport
	stateMu    sync.Mutex
	state      ConnectionState
	fns        []func(ConnectionState)
	reconnects atomic.Int32
}

func (t *statefulTransport) State() ConnectionState {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.state
}

func (t *statefulTransport) OnStateChange(fn func(ConnectionState)) {
	t.stateMu.Lock()
	t.fns = append(t.fns, fn)
	t.stateMu.Unlock()
}

func (t *statefulTransport) Reconnect(context.Context) error {
	t.reconnects.Add(1)
	t.set(Connected)
	return nil
}

func (t *statefulTransport) set(s ConnectionState) {
	t.stateMu.Lock()
	t.state = s
	fns := append([]func(ConnectionState)(nil), t.fns...)
	t.stateMu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// unserializable fails SerializeQuery.
type unserializable struct {
	query.Base
}

func (q *unserializable) Name() string { return "test_unserializable" }

func (q *unserializable) Run(context.Context, track.Store) error { return nil }

func (q *unserializable) SerializeQuery() ([]byte, error) { return nil, errors.New("nope") }

func (q *unserializable) SerializeResult() ([]byte, error) { return nil, nil }

func (q *unserializable) DeserializeResult([]byte) error { return nil }

// counter counts callback invocations.
type counter struct {
	n    atomic.Int32
	last atomic.Value
	ch   chan query.Query
}

func newCounter() *counter { return &counter{ch: make(chan query.Query, 16)} }

func (c *counter) cb(q query.Query) {
	c.n.Add(1)
	c.last.Store(q)
	c.ch <- q
}

func testStore() *memstore.Store {
	return memstore.New(
		&track.Track{ID: 1, Title: "one", Artist: "a", Path: "/1"},
		&track.Track{ID: 2, Title: "two", Artist: "a", Path: "/2"},
		&track.Track{ID: 3, Title: "three", Artist: "b", Path: "/3"},
	)
}

// runBus starts a dispatch loop and stops it at test end.
func runBus(t *testing.T) *bus.Bus {
	t.Helper()
	mb := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = mb.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		mb.Close()
	})
	return mb
}

func closeOnCleanup(t *testing.T, c interface{ Close(context.Context) error }) {
	t.Helper()
	t.Cleanup(func() { require.NoError(t, c.Close(context.Background())) })
}
