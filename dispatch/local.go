package dispatch

import (
	"context"
	"time"

	"github.com/trickstertwo/xtrack/bus"
	"github.com/trickstertwo/xtrack/query"
	"github.com/trickstertwo/xtrack/track"
)

var (
	_ Dispatcher    = (*Local)(nil)
	_ HealthChecker = (*Local)(nil)
	_ bus.Target    = (*Local)(nil)
)

// Local runs queries against a track.Store on its worker goroutine.
type Local struct {
	*engine
	store   track.Store
	handler query.Handler
}

func newLocal(store track.Store, mws []query.Middleware, cfg engineConfig) *Local {
	cfg.kind = "local"
	l := &Local{
		engine: newEngine(cfg),
		store:  store,
	}
	// Recovery always wraps everything else.
	chain := append([]query.Middleware{query.RecoveryMiddleware()}, mws...)
	l.handler = query.Chain(query.Runner(store), chain...)
	l.start(l, l.exec)
	return l
}

// Store returns the store queries run against.
func (l *Local) Store() track.Store { return l.store }

func (l *Local) Enqueue(q query.Query, cb Callback) int64 {
	return l.enqueue(q, 0, cb)
}

func (l *Local) EnqueueAndWait(q query.Query, timeout time.Duration, cb Callback) int64 {
	return l.enqueue(q, timeout, cb)
}

// ProcessMessage delivers completions posted through the bus.
func (l *Local) ProcessMessage(m *bus.Message) {
	if m.Type == MsgQueryCompleted {
		l.handleCompleted(m)
	}
}

// Close rejects new queries and invalidates pending ones. The store is not
// closed.
func (l *Local) Close(ctx context.Context) error {
	return l.shutdown(ctx)
}

func (l *Local) exec(qc *queryContext) {
	q := qc.q
	if !q.Start() {
		// Started elsewhere since it was enqueued.
		q.Invalidate(ErrAlreadyEnqueued)
		l.complete(qc)
		return
	}
	l.notify(Event{Type: Sent, QueryID: q.ID(), QueryName: q.Name()})

	ctx := query.InjectAll(l.ctx, l.logger, l.clock)
	if err := l.handler(ctx, q); err != nil {
		q.Fail(err)
	} else {
		q.Finish()
	}
	l.complete(qc)
}
