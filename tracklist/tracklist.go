// Package tracklist implements an ordered list of track ids backed by a
// bounded LRU cache of track metadata. Misses are fetched in batches: a
// window of neighbours around the requested index is loaded with a single
// query, and while one asynchronous fetch is in flight only the most recent
// window request is kept and issued when it completes.
package tracklist

import (
	"math/rand/v2"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xtrack/dispatch"
	"github.com/trickstertwo/xtrack/query"
	"github.com/trickstertwo/xtrack/track"
)

// window is an inclusive index range.
type window struct {
	from, to int
	valid    bool
}

func (w window) contains(i int) bool { return w.valid && i >= w.from && i <= w.to }

// WindowCachedFunc is notified after a window fetch completed. After a sync
// fetch it only runs on success.
type WindowCachedFunc func(l *TrackList, from, to int)

// TrackList is safe for concurrent use.
type TrackList struct {
	d           dispatch.Dispatcher
	logger      *xlog.Logger
	waitTimeout time.Duration
	syncTimeout time.Duration

	mu       sync.Mutex
	ids      []int64
	cache    *simplelru.LRU[int64, *track.Track]
	capacity int
	current  window
	next     window
	// generation changes whenever the cache is cleared so that fetches
	// started before do not repopulate it.
	generation uint64

	subsMu  sync.Mutex
	subs    map[int]WindowCachedFunc
	nextSub int
}

// New returns an empty list fetching through d.
func New(d dispatch.Dispatcher, opts ...Option) *TrackList {
	l := &TrackList{
		d:           d,
		logger:      xlog.Default(),
		waitTimeout: DefaultWaitTimeout,
		syncTimeout: dispatch.WaitIndefinite,
		capacity:    capacityFor(DefaultWindowRadius),
		subs:        map[int]WindowCachedFunc{},
	}
	for _, o := range opts {
		if o != nil {
			o(l)
		}
	}
	// Only fails for a non-positive size.
	l.cache, _ = simplelru.NewLRU[int64, *track.Track](l.capacity, nil)
	return l
}

// Get returns the track at index. Out of range indexes yield a Missing
// placeholder with track.MissingID. On a cache miss the surrounding window is
// fetched; an async Get that cannot be served within the wait timeout
// returns a Loading placeholder, a sync Get blocks until the fetch is done
// and returns a Missing placeholder if it failed.
func (l *TrackList) Get(index int, async bool) *track.Track {
	l.mu.Lock()
	if index < 0 || index >= len(l.ids) {
		l.mu.Unlock()
		return track.NewMissing(track.MissingID)
	}
	id := l.ids[index]
	if t, ok := l.cache.Get(id); ok {
		l.mu.Unlock()
		return t
	}

	half := (l.capacity - 1) / 2
	remain := l.capacity - 1
	from := index - half
	if from > 0 {
		remain -= half
	} else {
		remain -= half + from
	}
	to := index + remain
	l.mu.Unlock()

	l.CacheWindow(max(0, from), to, async)

	l.mu.Lock()
	t, ok := l.cache.Get(id)
	l.mu.Unlock()
	switch {
	case ok:
		return t
	case async:
		return track.NewLoading(id)
	default:
		return track.NewMissing(id)
	}
}

// CacheWindow makes sure the tracks at indexes [from, to] are cached. When
// an async fetch is already in flight the request is remembered and issued
// after it; only the latest such request is kept.
func (l *TrackList) CacheWindow(from, to int, async bool) {
	l.cacheWindow(from, to, async, l.waitTimeout)
}

// cacheWindow issues the fetch, waiting at most wait for an async one. A
// deferred window is issued from the completion callback, which may run on
// the dispatcher's worker, so it passes wait 0.
func (l *TrackList) cacheWindow(from, to int, async bool, wait time.Duration) {
	l.mu.Lock()
	from = max(0, from)
	to = min(to, len(l.ids)-1)
	if from > to {
		l.mu.Unlock()
		return
	}

	missing := l.missingLocked(from, to, async)
	if len(missing) == 0 {
		l.mu.Unlock()
		return
	}
	if async && l.current.valid {
		l.next = window{from: from, to: to, valid: true}
		l.mu.Unlock()
		l.logger.Debug().
			Str("from", strconv.Itoa(from)).
			Str("to", strconv.Itoa(to)).
			Msg("tracklist: window deferred")
		return
	}
	if async {
		l.current = window{from: from, to: to, valid: true}
	}
	gen := l.generation
	l.mu.Unlock()

	q := query.NewTrackBatch(missing)

	if !async {
		l.d.EnqueueAndWait(q, l.syncTimeout, nil)
		if q.Status() == query.Finished {
			l.admit(q.Result(), gen)
			l.raise(from, to)
		}
		return
	}

	var once sync.Once
	completion := func(query.Query) {
		once.Do(func() { l.finishWindow(q, gen, from, to) })
	}
	if l.d.EnqueueAndWait(q, wait, completion) == dispatch.InvalidID {
		l.logger.Warn().
			Str("from", strconv.Itoa(from)).
			Str("to", strconv.Itoa(to)).
			Msg("tracklist: window fetch rejected")
		l.mu.Lock()
		l.current = window{}
		l.mu.Unlock()
		return
	}
	// The callback may be queued behind the caller; apply the result now.
	if q.Status().Terminal() {
		completion(q)
	}
}

// missingLocked lists the uncached ids of [from, to] in index order. Async
// requests skip indexes an in-flight fetch already covers.
func (l *TrackList) missingLocked(from, to int, async bool) []int64 {
	var missing []int64
	seen := make(map[int64]struct{}, to-from+1)
	for i := from; i <= to; i++ {
		id := l.ids[i]
		if l.cache.Contains(id) {
			continue
		}
		if async && l.current.contains(i) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		missing = append(missing, id)
	}
	return missing
}

// finishWindow ends an async fetch. WindowCached is raised whether or not
// the fetch succeeded so that views re-request rows still missing, unless
// the cache was cleared while the fetch was in flight.
func (l *TrackList) finishWindow(q *query.TrackBatch, gen uint64, from, to int) {
	if q.Status() == query.Finished {
		l.admit(q.Result(), gen)
	}

	l.mu.Lock()
	l.current = window{}
	next := l.next
	l.next = window{}
	stale := gen != l.generation
	l.mu.Unlock()

	if next.valid {
		l.cacheWindow(next.from, next.to, true, 0)
	}
	if !stale {
		l.raise(from, to)
	}
}

// admit inserts a batch result in one critical section.
func (l *TrackList) admit(tracks []*track.Track, gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.generation {
		return
	}
	for _, t := range tracks {
		if t != nil {
			l.cache.Add(t.ID, t)
		}
	}
}

// OnWindowCached registers fn to be called after every completed async window
// fetch and every successful sync one. The returned func unregisters it.
func (l *TrackList) OnWindowCached(fn WindowCachedFunc) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	l.subsMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = fn
	l.subsMu.Unlock()
	return func() {
		l.subsMu.Lock()
		delete(l.subs, id)
		l.subsMu.Unlock()
	}
}

func (l *TrackList) raise(from, to int) {
	l.subsMu.Lock()
	ids := make([]int, 0, len(l.subs))
	for id := range l.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]WindowCachedFunc, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.subs[id])
	}
	l.subsMu.Unlock()

	for _, fn := range fns {
		fn(l, from, to)
	}
}

// AddToCache inserts t as most recently used, evicting the least recently
// used entry when the cache is full.
func (l *TrackList) AddToCache(id int64, t *track.Track) {
	if t == nil {
		return
	}
	l.mu.Lock()
	l.cache.Add(id, t)
	l.mu.Unlock()
}

// GetFromCache returns the cached track for id and marks it most recently used.
func (l *TrackList) GetFromCache(id int64) (*track.Track, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cache.Get(id)
}

// Cached reports whether id is cached without touching its recency.
func (l *TrackList) Cached(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cache.Contains(id)
}

// PruneCache evicts least recently used entries beyond the capacity.
func (l *TrackList) PruneCache() {
	l.mu.Lock()
	l.cache.Resize(l.capacity)
	l.mu.Unlock()
}

// SetCacheWindowSize sets the capacity to 2*radius+1 and prunes.
func (l *TrackList) SetCacheWindowSize(radius int) {
	l.mu.Lock()
	l.capacity = capacityFor(radius)
	l.cache.Resize(l.capacity)
	l.mu.Unlock()
}

// Capacity is the maximum number of cached tracks.
func (l *TrackList) Capacity() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capacity
}

// CacheLen is the number of cached tracks.
func (l *TrackList) CacheLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cache.Len()
}

// ClearCache empties the cache. Fetches in flight are not admitted.
func (l *TrackList) ClearCache() {
	l.mu.Lock()
	l.clearCacheLocked()
	l.mu.Unlock()
}

func (l *TrackList) clearCacheLocked() {
	l.cache.Purge()
	l.generation++
	l.next = window{}
}

// Count returns the number of ids.
func (l *TrackList) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ids)
}

// ID returns the id at index.
func (l *TrackList) ID(index int) (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.ids) {
		return 0, false
	}
	return l.ids[index], true
}

// IDs returns a copy of the ids in display order.
func (l *TrackList) IDs() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.ids)
}

// IndexOf returns the first index of id, or -1.
func (l *TrackList) IndexOf(id int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Index(l.ids, id)
}

// Add appends id.
func (l *TrackList) Add(id int64) {
	l.mu.Lock()
	l.ids = append(l.ids, id)
	l.mu.Unlock()
}

// Insert places id at index, or appends it when index is past the end.
func (l *TrackList) Insert(id int64, index int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 {
		return false
	}
	if index < len(l.ids) {
		l.ids = slices.Insert(l.ids, index, id)
	} else {
		l.ids = append(l.ids, id)
	}
	return true
}

// Swap exchanges the ids at i and j.
func (l *TrackList) Swap(i, j int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.inRangeLocked(i) || !l.inRangeLocked(j) {
		return false
	}
	l.ids[i], l.ids[j] = l.ids[j], l.ids[i]
	return true
}

// Move relocates the id at from so that it ends up at index to.
func (l *TrackList) Move(from, to int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.inRangeLocked(from) || !l.inRangeLocked(to) || from == to {
		return false
	}
	id := l.ids[from]
	l.ids = slices.Delete(l.ids, from, from+1)
	l.ids = slices.Insert(l.ids, to, id)
	return true
}

// Delete removes the id at index. The cached track, if any, stays cached.
func (l *TrackList) Delete(index int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.inRangeLocked(index) {
		return false
	}
	l.ids = slices.Delete(l.ids, index, index+1)
	return true
}

// Clear removes every id and empties the cache.
func (l *TrackList) Clear() {
	l.mu.Lock()
	l.clearCacheLocked()
	l.ids = nil
	l.mu.Unlock()
}

// Shuffle randomizes the order of the ids.
func (l *TrackList) Shuffle() {
	l.mu.Lock()
	rand.Shuffle(len(l.ids), func(i, j int) { l.ids[i], l.ids[j] = l.ids[j], l.ids[i] })
	l.mu.Unlock()
}

// CopyFrom replaces the contents of l with the ids of other.
func (l *TrackList) CopyFrom(other *TrackList) {
	ids := other.IDs()
	l.mu.Lock()
	l.clearCacheLocked()
	l.ids = ids
	l.mu.Unlock()
}

func (l *TrackList) inRangeLocked(i int) bool { return i >= 0 && i < len(l.ids) }
