package memory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

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

func use(t *testing.T, cfg Config, opts ...Option) *dispatch.Remote {
	t.Helper()
	d := Use(cfg, opts...)
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d
}

func TestLoopback_TrackBatchRoundTrip(t *testing.T) {
	d := use(t, Config{Store: library()})

	q := query.NewTrackBatch([]int64{3, 9, 1})
	id := d.EnqueueAndWait(q, dispatch.WaitIndefinite, nil)
	require.NotEqual(t, dispatch.InvalidID, id)
	require.Equal(t, query.Finished, q.Status(), "err: %v", q.Err())

	got := q.Result()
	require.Len(t, got, 2)
	assert.Equal(t, "So What", got[0].Title)
	assert.Equal(t, "Come Together", got[1].Title)
	assert.Equal(t, track.Loaded, got[0].State)
}

func TestLoopback_SearchThroughBus(t *testing.T) {
	mb := runBus(t)
	d := use(t, Config{Store: library(), Concurrency: 4}, WithBus(mb))

	done := make(chan query.Query, 1)
	q := query.NewSearch("@beatles", 0)
	d.Enqueue(q, func(q query.Query) { done <- q })

	select {
	case got := <-done:
		require.Equal(t, query.Finished, got.Status())
		assert.Equal(t, []int64{1, 2}, q.Result())
	case <-time.After(2 * time.Second):
		t.Fatal("callback not delivered")
	}
}

func TestLoopback_LocalOnlyQueryUsesStore(t *testing.T) {
	d := use(t, Config{Store: library()})

	q := query.NewTrackCount()
	d.EnqueueAndWait(q, dispatch.WaitIndefinite, nil)
	require.Equal(t, query.Finished, q.Status())
	assert.Equal(t, 3, q.Result())
}

func TestLoopback_StoreFailureCarriesCode(t *testing.T) {
	s := library()
	require.NoError(t, s.Close())
	d := use(t, Config{Store: s})

	q := query.NewTrackBatch([]int64{1})
	d.EnqueueAndWait(q, dispatch.WaitIndefinite, nil)
	require.Equal(t, query.Failed, q.Status())

	var re *dispatch.RemoteError
	require.ErrorAs(t, q.Err(), &re)
	assert.Equal(t, query.CodeUnavailable, re.Code)
}

func TestLoopback_WithoutStore(t *testing.T) {
	tr := NewTransport(Config{})
	d, err := dispatch.NewBuilder().WithTransportInstance(tr).BuildRemote()
	require.NoError(t, err)
	defer d.Close(context.Background())

	q := query.NewSearch("", 0)
	d.EnqueueAndWait(q, dispatch.WaitIndefinite, nil)
	require.Equal(t, query.Failed, q.Status())
	var re *dispatch.RemoteError
	require.ErrorAs(t, q.Err(), &re)
	assert.Equal(t, query.CodeUnavailable, re.Code)
	assert.Equal(t, uint64(1), tr.Stats().Failed)
}

func TestSend_RejectedWhileDisconnected(t *testing.T) {
	tr := NewTransport(Config{Store: library()})
	d, err := dispatch.NewBuilder().
		WithTransportInstance(tr).
		WithReconnectDelay(0).
		BuildRemote()
	require.NoError(t, err)
	defer d.Close(context.Background())

	tr.SetState(dispatch.Disconnected)
	assert.Equal(t, dispatch.Disconnected, d.State())

	q := query.NewTrackBatch([]int64{1})
	d.EnqueueAndWait(q, dispatch.WaitIndefinite, nil)
	assert.Equal(t, query.Invalidated, q.Status())
	assert.ErrorIs(t, q.Err(), dispatch.ErrSendFailed)
	assert.ErrorIs(t, q.Err(), dispatch.ErrNotConnected)
	assert.Zero(t, tr.Stats().Sent)
}

func TestReconnect_AfterDrop(t *testing.T) {
	mb := runBus(t)
	tr := NewTransport(Config{Store: library()})
	d, err := dispatch.NewBuilder().
		WithBus(mb).
		WithTransportInstance(tr).
		WithReconnectDelay(20 * time.Millisecond).
		BuildRemote()
	require.NoError(t, err)
	defer d.Close(context.Background())

	tr.SetState(dispatch.Disconnected)
	require.Eventually(t, func() bool {
		return tr.State() == dispatch.Connected && d.State() == dispatch.Connected
	}, 2*time.Second, 5*time.Millisecond)

	q := query.NewTrackBatch([]int64{2})
	d.EnqueueAndWait(q, dispatch.WaitIndefinite, nil)
	assert.Equal(t, query.Finished, q.Status())
}

func TestClose_InvalidatesSlowQueries(t *testing.T) {
	d := Use(Config{Store: library(), Latency: time.Hour})

	var calls atomic.Int32
	q := query.NewTrackBatch([]int64{1})
	require.NotEqual(t, dispatch.InvalidID, d.Enqueue(q, func(query.Query) { calls.Add(1) }))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))

	assert.Equal(t, query.Invalidated, q.Status())
	assert.True(t, errors.Is(q.Err(), dispatch.ErrDispatcherClosed))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRegistry_BuildsFromMap(t *testing.T) {
	s := library()
	tr, err := dispatch.NewTransport(TransportName, map[string]any{
		"store":       s,
		"concurrency": 3.0,
		"buffer_size": int64(16),
		"latency":     "5ms",
	})
	require.NoError(t, err)
	defer tr.Close(context.Background())

	mt, ok := tr.(*Transport)
	require.True(t, ok)
	assert.Equal(t, 3, mt.cfg.Concurrency)
	assert.Equal(t, 16, mt.cfg.BufferSize)
	assert.Equal(t, 5*time.Millisecond, mt.cfg.Latency)
	assert.Same(t, s, mt.cfg.Store)
	assert.Contains(t, dispatch.Transports(), TransportName)
}

func TestConfigFromMap_Defaults(t *testing.T) {
	c := ConfigFromMap(nil)
	assert.Equal(t, 1024, c.BufferSize)
	assert.Equal(t, 1, c.Concurrency)
	assert.Zero(t, c.Latency)
	assert.Nil(t, c.Store)

	c = ConfigFromMap(map[string]any{"concurrency": -4, "latency": "nope"})
	assert.Equal(t, 1, c.Concurrency)
	assert.Zero(t, c.Latency)
}

// BenchmarkLoopback measures a full serialize, execute, deserialize round trip.
func BenchmarkLoopback(b *testing.B) {
	d := Use(Config{Store: library(), Concurrency: 4})
	defer d.Close(context.Background())

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		q := query.NewTrackBatch([]int64{1, 2, 3})
		d.EnqueueAndWait(q, dispatch.WaitIndefinite, nil)
		if q.Status() != query.Finished {
			b.Fatalf("status %s: %v", q.Status(), q.Err())
		}
	}
}
