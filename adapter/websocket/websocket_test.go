package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xtrack/bus"
	"github.com/trickstertwo/xtrack/dispatch"
	"github.com/trickstertwo/xtrack/query"
	"github.com/trickstertwo/xtrack/store/memstore"
	"github.com/trickstertwo/xtrack/track"
)

func library() *memstore.Store {
	return memstore.New(
		&track.Track{Title: "Come Together", Artist: "The Beatles", Album: "Abbey Road", Path: "/m/1.mp3", TrackNumber: 1},
		&track.Track{Title: "Something", Artist: "The Beatles", Album: "Abbey Road", Path: "/m/2.mp3", TrackNumber: 2},
		&track.Track{Title: "So What", Artist: "Miles Davis", Album: "Kind of Blue", Path: "/m/3.mp3", TrackNumber: 1},
	)
}

// blockingStore holds every Lookup until its context ends.
type blockingStore struct {
	*memstore.Store
	entered chan struct{}
}

func (s *blockingStore) Lookup(ctx context.Context, _ []int64) ([]*track.Track, error) {
	s.entered <- struct{}{}
	<-ctx.Done()
	return nil, ctx.Err()
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func serve(t *testing.T, h http.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func clientConfig(srv *httptest.Server) Config {
	c := Defaults()
	c.URL = wsURL(srv)
	return c
}

func remote(t *testing.T, tr *Transport, opts ...func(*dispatch.Builder)) *dispatch.Remote {
	t.Helper()
	b := dispatch.NewBuilder().WithTransportInstance(tr).WithReconnectDelay(0)
	for _, o := range opts {
		o(b)
	}
	d, err := b.BuildRemote()
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d
}

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

func TestRoundTrip_TrackBatch(t *testing.T) {
	h := NewHandler(library())
	defer h.Close()
	srv := serve(t, h)

	tr, err := NewTransport(clientConfig(srv))
	require.NoError(t, err)
	d := remote(t, tr)
	assert.Equal(t, dispatch.Connected, d.State())

	q := query.NewTrackBatch([]int64{3, 1})
	d.EnqueueAndWait(q, 2*time.Second, nil)
	require.Equal(t, query.Finished, q.Status(), "err: %v", q.Err())

	got := q.Result()
	require.Len(t, got, 2)
	assert.Equal(t, "So What", got[0].Title)
	assert.Equal(t, "Come Together", got[1].Title)
	assert.Equal(t, uint64(1), tr.Stats().Sent)
	assert.Equal(t, uint64(1), h.Stats().Served)
}

func TestRoundTrip_ConcurrentSearches(t *testing.T) {
	h := NewHandler(library(), WithConcurrency(2))
	defer h.Close()
	srv := serve(t, h)

	d := Use(clientConfig(srv), WithBus(runBus(t)))
	defer d.Close(context.Background())

	const n = 25
	done := make(chan *query.Search, n)
	for i := 0; i < n; i++ {
		q := query.NewSearch("@miles", 0)
		d.Enqueue(q, func(query.Query) { done <- q })
	}
	for i := 0; i < n; i++ {
		select {
		case q := <-done:
			require.Equal(t, query.Finished, q.Status(), "err: %v", q.Err())
			assert.Equal(t, []int64{3}, q.Result())
		case <-time.After(3 * time.Second):
			t.Fatalf("only %d of %d searches completed", i, n)
		}
	}
}

func TestRoundTrip_FailureCarriesCode(t *testing.T) {
	s := library()
	require.NoError(t, s.Close())
	h := NewHandler(s)
	defer h.Close()
	srv := serve(t, h)

	tr, err := NewTransport(clientConfig(srv))
	require.NoError(t, err)
	d := remote(t, tr)

	q := query.NewTrackBatch([]int64{1})
	d.EnqueueAndWait(q, 2*time.Second, nil)
	require.Equal(t, query.Failed, q.Status())

	var re *dispatch.RemoteError
	require.ErrorAs(t, q.Err(), &re)
	assert.Equal(t, query.CodeUnavailable, re.Code)
}

func TestHandshake_RejectsBadToken(t *testing.T) {
	h := NewHandler(library(), WithToken("secret"))
	defer h.Close()
	srv := serve(t, h)

	cfg := clientConfig(srv)
	cfg.Token = "wrong"
	_, err := NewTransport(cfg)
	assert.ErrorIs(t, err, ErrUnauthorized)

	cfg.Token = "secret"
	tr, err := NewTransport(cfg)
	require.NoError(t, err)
	require.NoError(t, tr.Close(context.Background()))
}

func TestHandshake_IncompatibleServer(t *testing.T) {
	up := websocket.Upgrader{}
	srv := serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_, _, _ = ws.ReadMessage()
	}))

	_, err := NewTransport(clientConfig(srv))
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestHandshake_ImmediateDropEndsDisconnected(t *testing.T) {
	up := websocket.Upgrader{Subprotocols: []string{Subprotocol}}
	srv := serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = ws.Close()
	}))

	for i := 0; i < 20; i++ {
		tr, err := NewTransport(clientConfig(srv))
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return tr.Stats().Drops == 1 && tr.State() == dispatch.Disconnected
		}, 2*time.Second, time.Millisecond)
		time.Sleep(5 * time.Millisecond)
		assert.Equal(t, dispatch.Disconnected, tr.State(), "a drop is never overwritten by the dial")
		require.NoError(t, tr.Close(context.Background()))
	}
}

func TestDrop_FailsPendingAsDisconnected(t *testing.T) {
	s := &blockingStore{Store: library(), entered: make(chan struct{}, 1)}
	h := NewHandler(s)
	srv := serve(t, h)

	tr, err := NewTransport(clientConfig(srv))
	require.NoError(t, err)
	d := remote(t, tr)

	var (
		statesMu sync.Mutex
		states   []dispatch.ConnectionState
	)
	tr.OnStateChange(func(s dispatch.ConnectionState) {
		statesMu.Lock()
		states = append(states, s)
		statesMu.Unlock()
	})

	done := make(chan struct{})
	q := query.NewTrackBatch([]int64{1})
	d.Enqueue(q, func(query.Query) { close(done) })

	select {
	case <-s.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("request never reached the store")
	}
	h.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pending query was not failed")
	}
	require.Equal(t, query.Failed, q.Status())
	var re *dispatch.RemoteError
	require.ErrorAs(t, q.Err(), &re)
	assert.Equal(t, query.CodeDisconnected, re.Code)
	assert.Equal(t, dispatch.Disconnected, tr.State())
	assert.Equal(t, dispatch.Disconnected, d.State())

	// New queries are rejected until a reconnect succeeds.
	q2 := query.NewTrackBatch([]int64{2})
	d.EnqueueAndWait(q2, time.Second, nil)
	assert.Equal(t, query.Invalidated, q2.Status())
	assert.ErrorIs(t, q2.Err(), dispatch.ErrNotConnected)

	// The closed handler refuses the handshake.
	assert.Error(t, tr.Reconnect(context.Background()))
	assert.Equal(t, dispatch.Disconnected, tr.State())

	statesMu.Lock()
	defer statesMu.Unlock()
	assert.Equal(t, []dispatch.ConnectionState{dispatch.Disconnected, dispatch.Connecting, dispatch.Disconnected}, states)
}

func TestReconnect_AfterServerRestart(t *testing.T) {
	var current atomic.Pointer[Handler]
	first := NewHandler(library())
	current.Store(first)
	srv := serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current.Load().ServeHTTP(w, r)
	}))

	tr, err := NewTransport(clientConfig(srv))
	require.NoError(t, err)
	d := remote(t, tr, func(b *dispatch.Builder) {
		b.WithBus(runBus(t)).WithReconnectDelay(20 * time.Millisecond)
	})

	second := NewHandler(library())
	defer second.Close()
	current.Store(second)
	first.Close()

	require.Eventually(t, func() bool {
		return tr.Stats().Drops == 1 && d.State() == dispatch.Connected
	}, 3*time.Second, 5*time.Millisecond)

	q := query.NewTrackBatch([]int64{2})
	d.EnqueueAndWait(q, 2*time.Second, nil)
	require.Equal(t, query.Finished, q.Status(), "err: %v", q.Err())
	assert.Equal(t, "Something", q.Result()[0].Title)
	assert.Equal(t, uint64(1), second.Stats().Connections)
}

func TestHandler_SkipsMalformedFrames(t *testing.T) {
	h := NewHandler(library())
	defer h.Close()
	srv := serve(t, h)

	dialer := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	ws, _, err := dialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, ws.WriteJSON(&query.Request{Name: query.SearchName}))
	require.NoError(t, ws.WriteJSON(&query.Request{ID: "c1", Name: "nope"}))

	var resp query.Response
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, ws.ReadJSON(&resp))
	assert.Equal(t, "c1", resp.ID)
	assert.Equal(t, query.CodeUnknownQuery, resp.Code)
	assert.Equal(t, uint64(2), h.Stats().Malformed)
}

func TestTransport_CloseIsIdempotent(t *testing.T) {
	h := NewHandler(library())
	defer h.Close()
	srv := serve(t, h)

	tr, err := NewTransport(clientConfig(srv))
	require.NoError(t, err)
	require.NoError(t, tr.Close(context.Background()))
	require.NoError(t, tr.Close(context.Background()))

	err = tr.Send(context.Background(), &query.Request{ID: "x"})
	assert.True(t, errors.Is(err, ErrClosed))
	assert.ErrorIs(t, tr.Reconnect(context.Background()), ErrClosed)
	assert.Zero(t, tr.Stats().Drops, "a local close is not a drop")
}

func TestRegistry_BuildsFromMap(t *testing.T) {
	h := NewHandler(library())
	defer h.Close()
	srv := serve(t, h)

	tr, err := dispatch.NewTransport(TransportName, map[string]any{
		"url":           wsURL(srv),
		"ping_interval": "10ms",
	})
	require.NoError(t, err)
	defer tr.Close(context.Background())

	wt, ok := tr.(*Transport)
	require.True(t, ok)
	assert.Equal(t, 10*time.Millisecond, wt.cfg.PingInterval)

	// Keepalive pings do not disturb the connection.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, dispatch.Connected, wt.State())
}

func TestConfig_Validate(t *testing.T) {
	c := Defaults()
	assert.Error(t, c.Validate(), "url is required")

	c.URL = "http://example.com"
	assert.Error(t, c.Validate())

	c.URL = "wss://example.com/xtrack"
	assert.NoError(t, c.Validate())

	c.WriteTimeout = 0
	assert.Error(t, c.Validate())

	c = ConfigFromMap(map[string]any{"url": "ws://x", "write_timeout": "1s"})
	assert.Equal(t, time.Second, c.WriteTimeout)
	assert.Equal(t, Defaults().HandshakeTimeout, c.HandshakeTimeout)
	assert.NoError(t, c.Validate())
}
