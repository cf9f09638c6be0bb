package dispatch

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xtrack/bus"
	"github.com/trickstertwo/xtrack/query"
)

// queryContext is one enqueued query. The dispatcher owns it while it is
// queued or in flight.
type queryContext struct {
	q          query.Query
	cb         Callback
	once       sync.Once
	corrID     string
	enqueuedAt time.Time
}

func (c *queryContext) fire() {
	c.once.Do(func() {
		if c.cb != nil {
			c.cb(c.q)
		}
	})
}

type dispatchMetrics struct {
	enqueued    atomic.Uint64
	rejected    atomic.Uint64
	sent        atomic.Uint64
	finished    atomic.Uint64
	failed      atomic.Uint64
	invalidated atomic.Uint64
	discarded   atomic.Uint64
	completed   atomic.Uint64
	execNs      atomic.Int64
}

// engine is the queue, worker and completion machinery shared by Local and
// Remote. The owning dispatcher is the bus target completions are posted to.
type engine struct {
	kind   string
	self   bus.Target
	bus    *bus.Bus
	clock  xclock.Clock
	logger *xlog.Logger
	exec   func(qc *queryContext)

	mu          sync.Mutex
	cond        *sync.Cond
	queue       []*queryContext
	tracked     map[int64]*queryContext
	correlation map[string]*queryContext
	// posted holds completions handed to the bus but not yet delivered.
	posted map[*queryContext]struct{}
	// changed is closed and replaced on every completion to wake waiters.
	changed chan struct{}
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer

	metrics dispatchMetrics
}

type engineConfig struct {
	kind      string
	bus       *bus.Bus
	clock     xclock.Clock
	logger    *xlog.Logger
	observers []Observer
	pool      *ObserverPool
}

func newEngine(cfg engineConfig) *engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &engine{
		kind:         cfg.kind,
		bus:          cfg.bus,
		clock:        cfg.clock,
		logger:       cfg.logger,
		tracked:      map[int64]*queryContext{},
		correlation:  map[string]*queryContext{},
		posted:       map[*queryContext]struct{}{},
		changed:      make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		observerPool: cfg.pool,
		observers:    slices.Clone(cfg.observers),
	}
	if e.clock == nil {
		e.clock = xclock.Default()
	}
	if e.logger == nil {
		e.logger = xlog.Default()
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// start launches the worker; self is the dispatcher embedding e.
func (e *engine) start(self bus.Target, exec func(qc *queryContext)) {
	e.self = self
	e.exec = exec
	go e.worker()
}

func (e *engine) enqueue(q query.Query, timeout time.Duration, cb Callback) int64 {
	if q == nil {
		e.reject(nil, ErrNilQuery)
		return InvalidID
	}
	qc := &queryContext{q: q, cb: cb, enqueuedAt: e.clock.Now()}
	id := q.ID()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.reject(q, ErrDispatcherClosed)
		return InvalidID
	}
	if _, dup := e.tracked[id]; dup || q.Status() != query.Idle {
		e.mu.Unlock()
		e.reject(q, ErrAlreadyEnqueued)
		return InvalidID
	}
	e.tracked[id] = qc
	e.queue = append(e.queue, qc)
	e.cond.Signal()
	e.mu.Unlock()

	e.metrics.enqueued.Add(1)
	e.notify(Event{Type: Enqueued, QueryID: id, QueryName: q.Name()})

	if timeout != 0 {
		e.wait(id, timeout)
	}
	return id
}

// wait blocks until query id is no longer tracked, timeout elapses (negative
// waits forever) or the dispatcher closes.
func (e *engine) wait(id int64, timeout time.Duration) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		e.mu.Lock()
		_, inFlight := e.tracked[id]
		inFlight = inFlight && !e.closed
		changed := e.changed
		e.mu.Unlock()

		if !inFlight {
			return
		}
		select {
		case <-changed:
		case <-expired:
			return
		}
	}
}

func (e *engine) worker() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if e.closed {
			e.mu.Unlock()
			return
		}
		qc := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.runSafely(qc)
	}
}

func (e *engine) runSafely(qc *queryContext) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Str("dispatcher", e.kind).
				Str("query", qc.q.Name()).
				Str("panic", fmt.Sprint(r)).
				Msg("dispatch: worker panic (recovered)")
			qc.q.Fail(query.ErrQueryPanic)
			e.complete(qc)
		}
	}()
	e.exec(qc)
}

// correlate records qc under id. It fails when qc is no longer tracked.
func (e *engine) correlate(qc *queryContext, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.tracked[qc.q.ID()] != qc {
		return false
	}
	qc.corrID = id
	e.correlation[id] = qc
	return true
}

func (e *engine) takeCorrelation(id string) *queryContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	qc, ok := e.correlation[id]
	if !ok {
		return nil
	}
	delete(e.correlation, id)
	return qc
}

// complete stops tracking qc, wakes waiters and delivers the callback. The
// query must already be terminal. It reports false when qc was completed or
// invalidated by someone else.
func (e *engine) complete(qc *queryContext) bool {
	id := qc.q.ID()

	e.mu.Lock()
	if e.tracked[id] != qc {
		e.mu.Unlock()
		return false
	}
	delete(e.tracked, id)
	if qc.corrID != "" {
		delete(e.correlation, qc.corrID)
	}
	e.wakeLocked()
	viaBus := e.bus != nil
	if viaBus {
		e.posted[qc] = struct{}{}
	}
	e.mu.Unlock()

	e.record(qc)

	if viaBus {
		if e.bus.Post(&bus.Message{Target: e.self, Type: MsgQueryCompleted, Payload: qc}, 0) {
			return true
		}
		e.mu.Lock()
		delete(e.posted, qc)
		e.mu.Unlock()
	}
	qc.fire()
	return true
}

// handleCompleted runs on the bus dispatch goroutine.
func (e *engine) handleCompleted(m *bus.Message) {
	qc, ok := m.Payload.(*queryContext)
	if !ok {
		return
	}
	e.mu.Lock()
	delete(e.posted, qc)
	e.mu.Unlock()
	qc.fire()
}

func (e *engine) wakeLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

func (e *engine) record(qc *queryContext) {
	q := qc.q
	switch q.Status() {
	case query.Finished:
		e.metrics.finished.Add(1)
	case query.Failed:
		e.metrics.failed.Add(1)
	case query.Invalidated:
		e.metrics.invalidated.Add(1)
	}
	d := e.clock.Since(qc.enqueuedAt)
	e.metrics.completed.Add(1)
	e.metrics.execNs.Add(d.Nanoseconds())
	e.notify(Event{
		Type:          Completed,
		QueryID:       q.ID(),
		QueryName:     q.Name(),
		CorrelationID: qc.corrID,
		Status:        q.Status(),
		Duration:      d,
		Err:           q.Err(),
	})
}

func (e *engine) reject(q query.Query, err error) {
	e.metrics.rejected.Add(1)
	ev := Event{Type: Rejected, Err: err}
	if q != nil {
		ev.QueryID = q.ID()
		ev.QueryName = q.Name()
	}
	e.notify(ev)
}

func (e *engine) discard(corrID string) {
	e.metrics.discarded.Add(1)
	e.notify(Event{Type: Discarded, CorrelationID: corrID})
}

func (e *engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// shutdown rejects new work, invalidates everything queued or in flight and
// fires their callbacks directly, then waits for the worker to stop.
func (e *engine) shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	pending := make([]*queryContext, 0, len(e.tracked))
	for _, qc := range e.tracked {
		pending = append(pending, qc)
	}
	posted := make([]*queryContext, 0, len(e.posted))
	for qc := range e.posted {
		posted = append(posted, qc)
	}
	e.tracked = map[int64]*queryContext{}
	e.correlation = map[string]*queryContext{}
	e.posted = map[*queryContext]struct{}{}
	e.queue = nil
	e.wakeLocked()
	e.cond.Broadcast()
	e.mu.Unlock()

	e.cancel()

	slices.SortFunc(pending, func(a, b *queryContext) int {
		return cmp.Compare(a.q.ID(), b.q.ID())
	})
	for _, qc := range pending {
		qc.q.Invalidate(ErrDispatcherClosed)
		e.record(qc)
		qc.fire()
	}
	for _, qc := range posted {
		qc.fire()
	}

	var err error
	select {
	case <-e.done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if e.observerPool != nil {
		if perr := e.observerPool.Close(5 * time.Second); perr != nil {
			e.logger.Warn().Err(perr).Msg("dispatch: observer pool shutdown timeout")
			if err == nil {
				err = perr
			}
		}
	}
	return err
}

// AddObserver registers an observer (thread-safe).
func (e *engine) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	e.observersMu.Lock()
	e.observers = append(e.observers, obs)
	e.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (e *engine) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	e.observersMu.Lock()
	defer e.observersMu.Unlock()
	for i, o := range e.observers {
		if sameObserver(o, obs) {
			e.observers = append(e.observers[:i], e.observers[i+1:]...)
			break
		}
	}
}

func (e *engine) notify(ev Event) {
	if e.observerPool == nil {
		return
	}
	ev.Dispatcher = e.kind

	e.observersMu.RLock()
	if len(e.observers) == 0 {
		e.observersMu.RUnlock()
		return
	}
	obs := slices.Clone(e.observers)
	e.observersMu.RUnlock()

	e.observerPool.Notify(ev, obs)
}

// GetMetrics returns current dispatcher metrics.
func (e *engine) GetMetrics() Metrics {
	e.mu.Lock()
	pending, inFlight := len(e.queue), len(e.correlation)
	e.mu.Unlock()

	m := Metrics{
		Enqueued:    e.metrics.enqueued.Load(),
		Rejected:    e.metrics.rejected.Load(),
		Sent:        e.metrics.sent.Load(),
		Finished:    e.metrics.finished.Load(),
		Failed:      e.metrics.failed.Load(),
		Invalidated: e.metrics.invalidated.Load(),
		Discarded:   e.metrics.discarded.Load(),
		Pending:     pending,
		InFlight:    inFlight,
	}
	if e.observerPool != nil {
		m.EventsDropped = e.observerPool.Stats().Dropped
	}
	if n := e.metrics.completed.Load(); n > 0 {
		m.AvgExecutionTimeMs = float64(e.metrics.execNs.Load()) / float64(n) / 1e6
	}
	return m
}

// Health reports unhealthy once closed and degraded when more than 5% of
// completed queries did not finish.
func (e *engine) Health(_ context.Context) HealthStatus {
	if e.isClosed() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: e.clock.Now(),
			Message:   "dispatcher is closed",
		}
	}

	m := e.GetMetrics()
	status := "healthy"
	if done := m.Finished + m.Failed + m.Invalidated; done > 0 {
		if rate := float64(m.Failed+m.Invalidated) / float64(done); rate > 0.05 {
			status = "degraded"
		}
	}
	return HealthStatus{
		Status:    status,
		Metrics:   m,
		Timestamp: e.clock.Now(),
	}
}

// sameObserver compares observers, treating uncomparable ones (ObserverFunc)
// as distinct.
func sameObserver(a, b Observer) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}
