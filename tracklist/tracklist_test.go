package tracklist

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xtrack/dispatch"
	"github.com/trickstertwo/xtrack/query"
	"github.com/trickstertwo/xtrack/store/memstore"
	"github.com/trickstertwo/xtrack/track"
)

// library returns a store holding ids first..last and the matching id list.
func library(first, last int64) (*memstore.Store, []int64) {
	var tracks []*track.Track
	var ids []int64
	for id := first; id <= last; id++ {
		tracks = append(tracks, &track.Track{ID: id, Title: "track " + strconv.FormatInt(id, 10)})
		ids = append(ids, id)
	}
	return memstore.New(tracks...), ids
}

// countingDispatcher records the ids of every batch it forwards.
type countingDispatcher struct {
	inner   dispatch.Dispatcher
	mu      sync.Mutex
	batches [][]int64
}

func (c *countingDispatcher) record(q query.Query) {
	if b, ok := q.(*query.TrackBatch); ok {
		c.mu.Lock()
		c.batches = append(c.batches, slices.Clone(b.IDs()))
		c.mu.Unlock()
	}
}

func (c *countingDispatcher) Enqueue(q query.Query, cb dispatch.Callback) int64 {
	c.record(q)
	return c.inner.Enqueue(q, cb)
}

func (c *countingDispatcher) EnqueueAndWait(q query.Query, timeout time.Duration, cb dispatch.Callback) int64 {
	c.record(q)
	return c.inner.EnqueueAndWait(q, timeout, cb)
}

func (c *countingDispatcher) fetched() [][]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.batches)
}

func localDispatcher(t *testing.T, store track.Store) *countingDispatcher {
	t.Helper()
	d, err := dispatch.NewBuilder().WithStore(store).BuildLocal()
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return &countingDispatcher{inner: d}
}

// manualDispatcher holds queries until the test completes them.
type manualDispatcher struct {
	store   track.Store
	mu      sync.Mutex
	pending []pendingQuery
	reject  bool
}

type pendingQuery struct {
	q  *query.TrackBatch
	cb dispatch.Callback
}

func (m *manualDispatcher) Enqueue(q query.Query, cb dispatch.Callback) int64 {
	return m.EnqueueAndWait(q, 0, cb)
}

func (m *manualDispatcher) EnqueueAndWait(q query.Query, _ time.Duration, cb dispatch.Callback) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := q.(*query.TrackBatch)
	m.pending = append(m.pending, pendingQuery{q: b, cb: cb})
	if m.reject {
		return dispatch.InvalidID
	}
	return b.ID()
}

func (m *manualDispatcher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *manualDispatcher) batch(i int) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[i].q.IDs()
}

// complete finishes query i, or fails it when err is set, and runs its callback.
func (m *manualDispatcher) complete(t *testing.T, i int, err error) {
	t.Helper()
	m.mu.Lock()
	p := m.pending[i]
	m.mu.Unlock()

	require.True(t, p.q.Start())
	if err == nil {
		err = p.q.Run(context.Background(), m.store)
	}
	if err != nil {
		p.q.Fail(err)
	} else {
		p.q.Finish()
	}
	if p.cb != nil {
		p.cb(p.q)
	}
}

// eagerDispatcher completes queries before returning but never calls back,
// as when the callback is queued behind the caller.
type eagerDispatcher struct {
	store track.Store
	calls int
}

func (e *eagerDispatcher) Enqueue(q query.Query, cb dispatch.Callback) int64 {
	return e.EnqueueAndWait(q, 0, cb)
}

func (e *eagerDispatcher) EnqueueAndWait(q query.Query, _ time.Duration, _ dispatch.Callback) int64 {
	e.calls++
	q.Start()
	if err := q.Run(context.Background(), e.store); err != nil {
		q.Fail(err)
	} else {
		q.Finish()
	}
	return q.ID()
}

type cachedWindow struct{ from, to int }

func TestGet_FetchesWindowAndEvictsLeastRecentlyUsed(t *testing.T) {
	store, ids := library(10, 19)
	d := localDispatcher(t, store)
	l := New(d, WithWindowRadius(2), WithIDs(ids...))
	require.Equal(t, 5, l.Capacity())

	got := l.Get(4, false)
	require.Equal(t, int64(14), got.ID)
	assert.Equal(t, track.Loaded, got.State)
	require.Len(t, d.fetched(), 1)
	assert.Equal(t, []int64{12, 13, 14, 15, 16}, d.fetched()[0])

	assert.Equal(t, int64(14), l.Get(4, false).ID)
	assert.Len(t, d.fetched(), 1, "cache hit does not fetch")

	got = l.Get(9, false)
	assert.Equal(t, int64(19), got.ID)
	require.Len(t, d.fetched(), 2)
	assert.Equal(t, []int64{17, 18, 19}, d.fetched()[1])

	assert.Equal(t, 5, l.CacheLen())
	assert.False(t, l.Cached(12))
	assert.True(t, l.Cached(14))
	assert.True(t, l.Cached(19))
}

func TestGet_WindowAtListStart(t *testing.T) {
	store, ids := library(1, 20)
	d := localDispatcher(t, store)
	l := New(d, WithWindowRadius(2), WithIDs(ids...))

	l.Get(0, false)
	require.Len(t, d.fetched(), 1)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, d.fetched()[0])
}

func TestGet_OutOfRangeIsMissing(t *testing.T) {
	d := &manualDispatcher{}
	l := New(d, WithIDs(1, 2, 3))

	for _, i := range []int{-1, 3, 100} {
		got := l.Get(i, true)
		assert.Equal(t, track.MissingID, got.ID)
		assert.Equal(t, track.Missing, got.State)
	}
	assert.Zero(t, d.count())
}

func TestGet_SyncFailureIsMissing(t *testing.T) {
	store, ids := library(1, 3)
	require.NoError(t, store.Close())
	d := localDispatcher(t, store)
	l := New(d, WithIDs(ids...))

	got := l.Get(1, false)
	assert.Equal(t, int64(2), got.ID)
	assert.Equal(t, track.Missing, got.State)
	assert.Zero(t, l.CacheLen())
}

func TestGet_AsyncReturnsLoadingThenLoaded(t *testing.T) {
	store, ids := library(100, 199)
	d := &manualDispatcher{store: store}
	l := New(d, WithWindowRadius(2), WithIDs(ids...))

	got := l.Get(10, true)
	assert.Equal(t, int64(110), got.ID)
	assert.Equal(t, track.Loading, got.State)
	require.Equal(t, 1, d.count())
	assert.Equal(t, []int64{108, 109, 110, 111, 112}, d.batch(0))

	d.complete(t, 0, nil)
	got = l.Get(10, true)
	assert.Equal(t, track.Loaded, got.State)
	assert.Equal(t, 1, d.count())
}

func TestGet_AsyncServedWithinWait(t *testing.T) {
	store, ids := library(1, 10)
	d := &eagerDispatcher{store: store}
	l := New(d, WithWindowRadius(1), WithIDs(ids...))

	got := l.Get(5, true)
	assert.Equal(t, int64(6), got.ID)
	assert.Equal(t, track.Loaded, got.State)
	assert.Equal(t, 1, d.calls)
}

func TestCacheWindow_CoalescesWhileInFlight(t *testing.T) {
	store, ids := library(100, 199)
	d := &manualDispatcher{store: store}
	l := New(d, WithWindowRadius(2), WithIDs(ids...))

	var mu sync.Mutex
	var windows []cachedWindow
	l.OnWindowCached(func(_ *TrackList, from, to int) {
		mu.Lock()
		windows = append(windows, cachedWindow{from, to})
		mu.Unlock()
	})

	l.Get(10, true)
	l.CacheWindow(30, 34, true)
	l.CacheWindow(60, 64, true)
	require.Equal(t, 1, d.count(), "only one fetch in flight")

	d.complete(t, 0, nil)
	require.Equal(t, 2, d.count(), "latest deferred window is issued")
	assert.Equal(t, []int64{160, 161, 162, 163, 164}, d.batch(1))

	d.complete(t, 1, nil)
	assert.Equal(t, 2, d.count())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []cachedWindow{{8, 12}, {60, 64}}, windows)
	assert.False(t, l.Cached(130))
}

func TestCacheWindow_SkipsIndexesOfInFlightWindow(t *testing.T) {
	store, ids := library(100, 199)
	d := &manualDispatcher{store: store}
	l := New(d, WithWindowRadius(2), WithIDs(ids...))

	l.CacheWindow(0, 4, true)
	// Fully covered by the fetch in flight, so nothing is deferred.
	l.CacheWindow(1, 3, true)
	d.complete(t, 0, nil)
	assert.Equal(t, 1, d.count())
}

func TestCacheWindow_FailureLeavesTracksUncached(t *testing.T) {
	store, ids := library(100, 199)
	d := &manualDispatcher{store: store}
	l := New(d, WithWindowRadius(2), WithIDs(ids...))

	raised := 0
	l.OnWindowCached(func(*TrackList, int, int) { raised++ })

	l.Get(10, true)
	d.complete(t, 0, errors.New("store down"))
	assert.Zero(t, l.CacheLen())
	assert.Equal(t, 1, raised, "views are told to re-request the rows")

	// A later request retries.
	assert.Equal(t, track.Loading, l.Get(10, true).State)
	require.Equal(t, 2, d.count())
	d.complete(t, 1, nil)
	assert.Equal(t, track.Loaded, l.Get(10, true).State)
	assert.Equal(t, 2, raised)
}

func TestGet_SyncFailureDoesNotRaise(t *testing.T) {
	store, ids := library(1, 10)
	require.NoError(t, store.Close())
	l := New(localDispatcher(t, store), WithWindowRadius(1), WithIDs(ids...))

	raised := 0
	l.OnWindowCached(func(*TrackList, int, int) { raised++ })

	assert.Equal(t, track.Missing, l.Get(2, false).State)
	assert.Zero(t, raised)
}

// slowStore delays every lookup and records when each one ran.
type slowStore struct {
	*memstore.Store
	delay time.Duration

	mu      sync.Mutex
	started []time.Time
	ended   []time.Time
}

func (s *slowStore) Lookup(ctx context.Context, ids []int64) ([]*track.Track, error) {
	s.mu.Lock()
	s.started = append(s.started, time.Now())
	s.mu.Unlock()

	time.Sleep(s.delay)
	out, err := s.Store.Lookup(ctx, ids)

	s.mu.Lock()
	s.ended = append(s.ended, time.Now())
	s.mu.Unlock()
	return out, err
}

func (s *slowStore) lookups() (started, ended []time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.started), slices.Clone(s.ended)
}

func TestCacheWindow_DeferredFetchDoesNotStallWorker(t *testing.T) {
	mem, ids := library(100, 199)
	store := &slowStore{Store: mem, delay: 100 * time.Millisecond}
	// No bus: completions run on the dispatcher's worker goroutine.
	l := New(localDispatcher(t, store),
		WithWindowRadius(2),
		WithWaitTimeout(time.Second),
		WithIDs(ids...),
	)

	done := make(chan *track.Track, 1)
	go func() { done <- l.Get(10, true) }()

	require.Eventually(t, func() bool {
		started, _ := store.lookups()
		return len(started) == 1
	}, time.Second, time.Millisecond)
	l.CacheWindow(60, 64, true)

	select {
	case got := <-done:
		assert.Equal(t, track.Loaded, got.State)
	case <-time.After(2 * time.Second):
		t.Fatal("first window never arrived")
	}

	require.Eventually(t, func() bool { return l.Cached(164) }, 2*time.Second, 5*time.Millisecond)
	started, ended := store.lookups()
	require.Len(t, started, 2)
	gap := started[1].Sub(ended[0])
	assert.Less(t, gap, 500*time.Millisecond, "deferred fetch waited on the worker for %v", gap)
}

func TestCacheWindow_RejectedFetchDoesNotBlockLaterOnes(t *testing.T) {
	store, ids := library(1, 10)
	d := &manualDispatcher{store: store, reject: true}
	l := New(d, WithWindowRadius(1), WithIDs(ids...))

	l.Get(2, true)
	l.Get(2, true)
	assert.Equal(t, 2, d.count())
}

func TestCacheWindow_ClearDropsFetchInFlight(t *testing.T) {
	store, ids := library(1, 10)
	d := &manualDispatcher{store: store}
	l := New(d, WithWindowRadius(1), WithIDs(ids...))

	raised := 0
	l.OnWindowCached(func(*TrackList, int, int) { raised++ })

	l.Get(2, true)
	l.ClearCache()
	d.complete(t, 0, nil)
	assert.Zero(t, l.CacheLen())
	assert.Zero(t, raised)
}

func TestOnWindowCached_Cancel(t *testing.T) {
	store, ids := library(1, 10)
	d := localDispatcher(t, store)
	l := New(d, WithWindowRadius(1), WithIDs(ids...))

	calls := 0
	cancel := l.OnWindowCached(func(got *TrackList, from, to int) {
		assert.Same(t, l, got)
		assert.Equal(t, 0, from)
		assert.Equal(t, 2, to)
		calls++
	})
	l.Get(0, false)
	assert.Equal(t, 1, calls)

	cancel()
	l.Get(9, false)
	assert.Equal(t, 1, calls)
}

func TestCache_StaysBounded(t *testing.T) {
	store, ids := library(1, 100)
	d := localDispatcher(t, store)
	l := New(d, WithWindowRadius(3), WithIDs(ids...))

	for _, i := range []int{0, 50, 99, 3, 47, 72, 10, 98, 1, 60} {
		got := l.Get(i, false)
		assert.Equal(t, ids[i], got.ID)
		assert.Equal(t, track.Loaded, got.State)
		assert.LessOrEqual(t, l.CacheLen(), l.Capacity())
	}
}

func TestCache_LeastRecentlyUsedOrder(t *testing.T) {
	l := New(&manualDispatcher{}, WithWindowRadius(1))

	for id := int64(1); id <= 3; id++ {
		l.AddToCache(id, &track.Track{ID: id})
	}
	_, ok := l.GetFromCache(1)
	require.True(t, ok)

	l.AddToCache(4, &track.Track{ID: 4})
	assert.True(t, l.Cached(1))
	assert.False(t, l.Cached(2))
	assert.Equal(t, 3, l.CacheLen())

	// Re-adding moves to the front without growing.
	l.AddToCache(3, &track.Track{ID: 3})
	l.AddToCache(5, &track.Track{ID: 5})
	assert.False(t, l.Cached(1))
	assert.True(t, l.Cached(3))
}

func TestSetCacheWindowSize_Prunes(t *testing.T) {
	l := New(&manualDispatcher{}, WithWindowRadius(2))
	for id := int64(1); id <= 5; id++ {
		l.AddToCache(id, &track.Track{ID: id})
	}

	l.SetCacheWindowSize(1)
	assert.Equal(t, 3, l.Capacity())
	assert.Equal(t, 3, l.CacheLen())
	for _, id := range []int64{3, 4, 5} {
		assert.True(t, l.Cached(id))
	}

	l.SetCacheWindowSize(-4)
	assert.Equal(t, 1, l.Capacity())
	assert.True(t, l.Cached(5))
}

func TestMutations(t *testing.T) {
	l := New(&manualDispatcher{}, WithIDs(1, 2, 3))

	l.Add(4)
	assert.True(t, l.Insert(9, 0))
	assert.True(t, l.Insert(8, 100))
	assert.False(t, l.Insert(7, -1))
	assert.Equal(t, []int64{9, 1, 2, 3, 4, 8}, l.IDs())

	assert.True(t, l.Swap(0, 5))
	assert.False(t, l.Swap(0, 6))
	assert.Equal(t, []int64{8, 1, 2, 3, 4, 9}, l.IDs())

	assert.True(t, l.Move(0, 3))
	assert.False(t, l.Move(2, 2))
	assert.False(t, l.Move(-1, 2))
	assert.Equal(t, []int64{1, 2, 3, 8, 4, 9}, l.IDs())

	assert.True(t, l.Delete(1))
	assert.False(t, l.Delete(5))
	assert.Equal(t, []int64{1, 3, 8, 4, 9}, l.IDs())

	assert.Equal(t, 2, l.IndexOf(8))
	assert.Equal(t, -1, l.IndexOf(2))
	id, ok := l.ID(4)
	assert.True(t, ok)
	assert.Equal(t, int64(9), id)
	_, ok = l.ID(5)
	assert.False(t, ok)
	assert.Equal(t, 5, l.Count())
}

func TestMutations_KeepCache(t *testing.T) {
	l := New(&manualDispatcher{}, WithIDs(1, 2, 3))
	l.AddToCache(2, &track.Track{ID: 2})

	l.Delete(1)
	l.Shuffle()
	assert.True(t, l.Cached(2))

	l.Clear()
	assert.Zero(t, l.Count())
	assert.Zero(t, l.CacheLen())
}

func TestShuffle_KeepsIDs(t *testing.T) {
	ids := make([]int64, 50)
	for i := range ids {
		ids[i] = int64(i)
	}
	l := New(&manualDispatcher{}, WithIDs(ids...))

	l.Shuffle()
	got := l.IDs()
	slices.Sort(got)
	assert.Equal(t, ids, got)
}

func TestCopyFrom(t *testing.T) {
	src := New(&manualDispatcher{}, WithIDs(5, 6, 7))
	dst := New(&manualDispatcher{}, WithIDs(1))
	dst.AddToCache(1, &track.Track{ID: 1})

	dst.CopyFrom(src)
	assert.Equal(t, []int64{5, 6, 7}, dst.IDs())
	assert.Zero(t, dst.CacheLen())

	src.Add(8)
	assert.Equal(t, 3, dst.Count(), "ids are copied")
}
