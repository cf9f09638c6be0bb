package dispatch

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xlog"
)

// ObserverFunc lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver writes dispatcher events through xlog. Failures and
// rejections log at warn level, everything else at debug.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	switch {
	case e.Type == Rejected || e.Type == Discarded || (e.Type == Completed && e.Err != nil):
		o.Logger.Warn().
			Str("type", string(e.Type)).
			Str("dispatcher", e.Dispatcher).
			Str("query", e.QueryName).
			Str("query_id", strconv.FormatInt(e.QueryID, 10)).
			Str("correlation_id", e.CorrelationID).
			Str("status", e.Status.String()).
			Err(e.Err).
			Msg("dispatch event")
	case e.Type == StateChanged:
		o.Logger.Info().
			Str("dispatcher", e.Dispatcher).
			Str("state", e.State.String()).
			Msg("dispatch connection state")
	default:
		o.Logger.Debug().
			Str("type", string(e.Type)).
			Str("dispatcher", e.Dispatcher).
			Str("query", e.QueryName).
			Str("query_id", strconv.FormatInt(e.QueryID, 10)).
			Str("correlation_id", e.CorrelationID).
			Dur("duration", e.Duration).
			Msg("dispatch event")
	}
}

// ObserverPool delivers events to observers on its own goroutines so a slow
// observer never blocks the dispatcher. Events are dropped when the buffer
// is full.
type ObserverPool struct {
	eventCh   chan *Event
	workers   int
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	dropped   atomic.Uint64
	processed atomic.Uint64
}

// NewObserverPool starts workers goroutines reading from a buffer of
// bufferSize events.
func NewObserverPool(ctx context.Context, workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 2
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}

	poolCtx, cancel := context.WithCancel(ctx)
	op := &ObserverPool{
		eventCh: make(chan *Event, bufferSize),
		workers: workers,
		ctx:     poolCtx,
		cancel:  cancel,
	}

	for i := 0; i < workers; i++ {
		op.wg.Add(1)
		go op.worker()
	}

	return op
}

// Notify queues e for observers. It never blocks.
func (op *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 || op.closed.Load() {
		return
	}

	e.observers = make([]Observer, len(observers))
	copy(e.observers, observers)

	select {
	case op.eventCh <- &e:
	default:
		op.dropped.Add(1)
	}
}

func (op *ObserverPool) worker() {
	defer op.wg.Done()
	for {
		select {
		case <-op.ctx.Done():
			// Drain what is already buffered.
			for {
				select {
				case e := <-op.eventCh:
					if e != nil {
						op.dispatchEvent(e)
						op.processed.Add(1)
					}
				default:
					return
				}
			}
		case e := <-op.eventCh:
			if e != nil {
				op.dispatchEvent(e)
				op.processed.Add(1)
			}
		}
	}
}

// dispatchEvent tolerates observer panics.
func (op *ObserverPool) dispatchEvent(e *Event) {
	for _, obs := range e.observers {
		if obs == nil {
			continue
		}
		func() {
			defer func() { _ = recover() }()
			obs.OnEvent(*e)
		}()
	}
}

// Close stops the workers after they drained the buffer, or returns
// ErrObserverPoolShutdownTimeout.
func (op *ObserverPool) Close(timeout time.Duration) error {
	if op.closed.Swap(true) {
		return nil
	}

	op.cancel()

	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats returns current pool statistics.
func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:      op.dropped.Load(),
		Processed:    op.processed.Load(),
		ActiveEvents: len(op.eventCh),
		Workers:      op.workers,
		BufferSize:   cap(op.eventCh),
	}
}
