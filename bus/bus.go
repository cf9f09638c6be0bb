// Package bus implements a time-ordered message bus. Producers on any
// goroutine post messages with an optional delay; a single dispatch loop
// (WaitAndDispatch or Run) delivers them to their target, or to every
// broadcast listener, once they are due.
package bus

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Bus schedules and delivers messages.
type Bus struct {
	clock  xclock.Clock
	logger *xlog.Logger

	mu        sync.Mutex
	queue     schedule
	seq       uint64
	listeners []listener

	// wake is signalled when a message becomes the new head of the queue.
	wake chan struct{}
	done chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once

	metrics *busMetrics
}

type busMetrics struct {
	posted     atomic.Uint64
	dispatched atomic.Uint64
	broadcasts atomic.Uint64
	removed    atomic.Uint64
	panics     atomic.Uint64
}

// Metrics is a snapshot of bus counters.
type Metrics struct {
	Posted     uint64
	Dispatched uint64
	Broadcasts uint64
	Removed    uint64
	Panics     uint64
	Pending    int
}

// Option configures a Bus.
type Option func(*Bus)

// WithClock injects the clock used to compute delivery times.
func WithClock(c xclock.Clock) Option {
	return func(b *Bus) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithLogger injects the logger used to report recovered handler panics.
func WithLogger(l *xlog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// New returns an empty bus. Nothing is delivered until a goroutine calls
// WaitAndDispatch, Dispatch or Run.
func New(opts ...Option) *Bus {
	b := &Bus{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		metrics: &busMetrics{},
	}
	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}
	if b.clock == nil {
		b.clock = xclock.Default()
	}
	if b.logger == nil {
		b.logger = xlog.Default()
	}
	return b
}

// Post schedules m for delivery no earlier than delay from now. Negative
// delays are treated as zero. Post never blocks; it reports false when the
// bus is closed and m was dropped.
func (b *Bus) Post(m *Message, delay time.Duration) bool {
	if m == nil {
		return false
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return false
	}
	head := b.insertLocked(m, delay)
	b.mu.Unlock()

	if head {
		b.signal()
	}
	return true
}

// Broadcast schedules m for every broadcast listener. A message with a target
// is a programming error and panics with ErrBroadcastTarget.
func (b *Bus) Broadcast(m *Message, delay time.Duration) bool {
	if m != nil && m.Target != nil {
		panic(ErrBroadcastTarget)
	}
	return b.Post(m, delay)
}

// Debounce replaces any pending message with the same target and type by m.
// Removal and insertion happen under one lock, so a concurrent dispatch sees
// either the old message or the new one, never both.
func (b *Bus) Debounce(m *Message, delay time.Duration) bool {
	if m == nil {
		return false
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return false
	}
	b.removeLocked(m.Target, m.Type)
	head := b.insertLocked(m, delay)
	b.mu.Unlock()

	if head {
		b.signal()
	}
	return true
}

// Remove drops every pending message for target whose type matches msgType
// (AnyType matches all). It returns how many were dropped.
func (b *Bus) Remove(target Target, msgType int) int {
	b.mu.Lock()
	n := b.removeLocked(target, msgType)
	b.mu.Unlock()
	return n
}

// Contains reports whether a matching message is still pending.
func (b *Bus) Contains(target Target, msgType int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.queue {
		if e.matches(target, msgType) {
			return true
		}
	}
	return false
}

// Unregister purges every pending message addressed to target. Components
// call it when they shut down so nothing is delivered to them afterwards.
func (b *Bus) Unregister(target Target) int {
	if target == nil {
		return 0
	}
	return b.Remove(target, AnyType)
}

// Len returns the number of pending messages.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// WaitAndDispatch blocks until the next message is due, a new head message is
// posted, timeout elapses (negative waits forever) or the bus closes, then
// delivers every message that is due.
func (b *Bus) WaitAndDispatch(timeout time.Duration) {
	b.wait(context.Background(), timeout)
	b.Dispatch()
}

// Run dispatches messages until ctx is done or the bus is closed.
func (b *Bus) Run(ctx context.Context) error {
	for {
		if b.closed.Load() {
			return ErrBusClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		b.wait(ctx, -1)
		b.Dispatch()
	}
}

// Dispatch delivers every message that is due without waiting. Handlers run
// outside the bus lock and may post or remove messages.
func (b *Bus) Dispatch() {
	now := b.clock.Now()

	b.mu.Lock()
	var due []*envelope
	for len(b.queue) > 0 && !b.queue[0].at.After(now) {
		due = append(due, heap.Pop(&b.queue).(*envelope))
	}
	b.mu.Unlock()

	for _, e := range due {
		b.deliver(e.msg)
	}
}

// Close stops the bus. Pending messages are dropped and later posts are
// ignored. Close is idempotent.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed.Store(true)
		b.queue = nil
		b.mu.Unlock()
		close(b.done)
	})
}

// Closed reports whether Close was called.
func (b *Bus) Closed() bool { return b.closed.Load() }

// GetMetrics returns current bus counters.
func (b *Bus) GetMetrics() Metrics {
	return Metrics{
		Posted:     b.metrics.posted.Load(),
		Dispatched: b.metrics.dispatched.Load(),
		Broadcasts: b.metrics.broadcasts.Load(),
		Removed:    b.metrics.removed.Load(),
		Panics:     b.metrics.panics.Load(),
		Pending:    b.Len(),
	}
}

// insertLocked pushes m and reports whether it became the queue head.
func (b *Bus) insertLocked(m *Message, delay time.Duration) bool {
	if delay < 0 {
		delay = 0
	}
	b.seq++
	e := &envelope{msg: m, at: b.clock.Now().Add(delay), seq: b.seq}
	heap.Push(&b.queue, e)
	b.metrics.posted.Add(1)
	return b.queue[0] == e
}

func (b *Bus) removeLocked(target Target, msgType int) int {
	kept := b.queue[:0]
	removed := 0
	for _, e := range b.queue {
		if e.matches(target, msgType) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed == 0 {
		return 0
	}
	for i := len(kept); i < len(b.queue); i++ {
		b.queue[i] = nil
	}
	b.queue = kept
	heap.Init(&b.queue)
	b.metrics.removed.Add(uint64(removed))
	return removed
}

func (b *Bus) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bus) wait(ctx context.Context, timeout time.Duration) {
	wait := timeout

	b.mu.Lock()
	if len(b.queue) > 0 {
		due := b.queue[0].at.Sub(b.clock.Now())
		if timeout < 0 || due < timeout {
			wait = due
		}
		if wait <= 0 {
			b.mu.Unlock()
			return
		}
	}
	b.mu.Unlock()

	if wait == 0 {
		return
	}

	var expired <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-b.wake:
	case <-expired:
	case <-b.done:
	case <-ctx.Done():
	}
}

func (b *Bus) deliver(m *Message) {
	b.metrics.dispatched.Add(1)

	if m.Target != nil {
		b.invoke(m.Target, m)
		return
	}

	b.metrics.broadcasts.Add(1)

	// Snapshot so handlers may register or unregister listeners.
	b.mu.Lock()
	snapshot := make([]listener, len(b.listeners))
	copy(snapshot, b.listeners)
	b.mu.Unlock()

	prune := false
	for _, l := range snapshot {
		t := l.value()
		if t == nil {
			prune = true
			continue
		}
		b.invoke(t, m)
	}

	if prune {
		b.pruneListeners()
	}
}

func (b *Bus) invoke(t Target, m *Message) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.panics.Add(1)
			b.logger.Warn().
				Str("panic", fmt.Sprint(r)).
				Str("type", fmt.Sprint(m.Type)).
				Msg("bus: handler panic (recovered)")
		}
	}()
	t.ProcessMessage(m)
}
