package redisstream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xtrack/query"
	"github.com/trickstertwo/xtrack/track"
)

// Responder serves the request stream: every request is executed against a
// store and answered on the requester's reply stream. Several responders in
// the same group share the load.
type Responder struct {
	cfg    Config
	client *redis.Client
	store  track.Store
	mws    []query.Middleware
	logger *xlog.Logger

	// delivery pool to reduce per-request allocations
	dpool sync.Pool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool

	metrics *responderMetrics
}

type responderMetrics struct {
	consumed      atomic.Uint64
	answered      atomic.Uint64
	failed        atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	claimed       atomic.Uint64
	replyErrors   atomic.Uint64
	consumeErrors atomic.Uint64
}

// ResponderOption configures a Responder.
type ResponderOption func(*Responder)

// WithResponderMiddleware wraps query execution.
func WithResponderMiddleware(mw ...query.Middleware) ResponderOption {
	return func(r *Responder) { r.mws = append(r.mws, mw...) }
}

// NewResponder connects to Redis. Call Start to begin serving.
func NewResponder(cfg Config, store track.Store, opts ...ResponderOption) (*Responder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("redisstream: responder needs a store")
	}
	client := newClient(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ping(ctx, client); err != nil {
		_ = client.Close()
		return nil, err
	}

	lg := cfg.Logger
	if lg == nil {
		lg = xlog.Default()
	}
	r := &Responder{
		cfg:     cfg,
		client:  client,
		store:   store,
		logger:  lg,
		metrics: &responderMetrics{},
		dpool: sync.Pool{
			New: func() any { return new(delivery) },
		},
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r, nil
}

// Start launches the workers, the poller and, when configured, the pending
// entry claim loop. It returns immediately; Close stops serving.
func (r *Responder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("redisstream: responder already started")
	}
	r.started = true

	if r.cfg.AutoCreate {
		// "$" serves new requests only; BUSYGROUP means the group exists.
		if err := r.client.XGroupCreateMkStream(ctx, r.cfg.RequestStream, r.cfg.Group, "$").Err(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			r.logger.Warn().Err(err).Str("stream", r.cfg.RequestStream).Msg("redisstream: create group failed")
		}
	}

	innerCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	wg := &sync.WaitGroup{}

	workers := max(1, r.cfg.Concurrency)
	// Buffered work channel (2x workers for burst absorption)
	workCh := make(chan *delivery, workers*2)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range workCh {
				r.handle(innerCtx, d)
				r.releaseDelivery(d)
			}
		}()
	}

	var producers sync.WaitGroup
	producers.Add(1)
	go func() {
		defer producers.Done()
		r.pollerLoop(innerCtx, workCh)
	}()
	if r.cfg.ClaimMinIdle > 0 && r.cfg.ClaimInterval > 0 && r.cfg.ClaimBatch > 0 {
		producers.Add(1)
		go func() {
			defer producers.Done()
			r.claimLoop(innerCtx, workCh)
		}()
	}

	go func() {
		producers.Wait()
		close(workCh)
		wg.Wait()
		close(r.done)
	}()

	r.logger.Info().
		Str("stream", r.cfg.RequestStream).
		Str("group", r.cfg.Group).
		Str("consumer", r.cfg.Consumer).
		Msg("redisstream: responder started")
	return nil
}

// pollerLoop reads requests through the consumer group and hands them to
// the workers.
func (r *Responder) pollerLoop(ctx context.Context, workCh chan<- *delivery) {
	xArgs := &redis.XReadGroupArgs{
		Group:    r.cfg.Group,
		Consumer: r.cfg.Consumer,
		Streams:  []string{r.cfg.RequestStream, ">"},
		Count:    int64(max(1, r.cfg.BatchSize)),
		Block:    r.cfg.Block,
		NoAck:    false,
	}

	backoff := 100 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := r.client.XReadGroup(ctx, xArgs).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				backoff = 100 * time.Millisecond
				continue
			}

			// Transient error: exponential backoff
			r.metrics.consumeErrors.Add(1)
			r.logger.Warn().Err(err).Dur("backoff", backoff).Msg("redisstream: request read failed")
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff = 100 * time.Millisecond

		for _, stream := range res {
			if !r.enqueue(ctx, workCh, stream.Messages) {
				return
			}
		}
	}
}

func (r *Responder) enqueue(ctx context.Context, workCh chan<- *delivery, msgs []redis.XMessage) bool {
	for _, msg := range msgs {
		d := r.newDelivery()
		d.r = r
		d.id = msg.ID
		d.req = decodeRequest(msg.Values)
		d.onceAck = &sync.Once{}
		r.metrics.consumed.Add(1)

		select {
		case workCh <- d:
		case <-ctx.Done():
			r.releaseDelivery(d)
			return false
		}
	}
	return true
}

func (r *Responder) handle(ctx context.Context, d *delivery) {
	req := d.req
	if req.ID == "" || req.ReplyTo == "" {
		r.logger.Warn().Str("entry", d.id).Msg("redisstream: request without id or reply stream")
		_ = d.Nack(ctx, errors.New("malformed request"))
		// Nobody waits for an answer; never redeliver.
		_ = d.Ack(ctx)
		return
	}

	resp := query.Execute(ctx, r.store, req, r.mws...)
	if !resp.OK() {
		r.metrics.failed.Add(1)
		r.logger.Debug().
			Str("query", req.Name).
			Str("code", resp.Code.String()).
			Str("error", resp.Error).
			Msg("redisstream: query failed")
	}

	args := &redis.XAddArgs{
		Stream: req.ReplyTo,
		ID:     "*",
		Values: encodeResponse(resp),
	}
	if r.cfg.MaxLenApprox > 0 {
		args.MaxLen = r.cfg.MaxLenApprox
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		r.metrics.replyErrors.Add(1)
		r.logger.Warn().Err(err).Str("reply_to", req.ReplyTo).Msg("redisstream: reply failed")
		_ = d.Nack(ctx, err)
		return
	}
	r.metrics.answered.Add(1)
	if err := d.Ack(ctx); err != nil {
		r.logger.Warn().Err(err).Str("entry", d.id).Msg("redisstream: ack failed")
	}
}

// claimLoop periodically takes over requests left pending by dead consumers.
func (r *Responder) claimLoop(ctx context.Context, workCh chan<- *delivery) {
	ticker := time.NewTicker(r.cfg.ClaimInterval)
	defer ticker.Stop()

	batch := int64(max(1, r.cfg.ClaimBatch))
	minIdle := r.cfg.ClaimMinIdle

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: r.cfg.RequestStream,
			Group:  r.cfg.Group,
			Start:  "-",
			End:    "+",
			Count:  batch,
			Idle:   minIdle,
		}).Result()
		if err != nil || len(pending) == 0 {
			continue
		}

		ids := make([]string, 0, len(pending))
		for _, p := range pending {
			ids = append(ids, p.ID)
		}
		msgs, err := r.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   r.cfg.RequestStream,
			Group:    r.cfg.Group,
			Consumer: r.cfg.Consumer,
			MinIdle:  minIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			continue
		}
		r.metrics.claimed.Add(uint64(len(msgs)))
		if !r.enqueue(ctx, workCh, msgs) {
			return
		}
	}
}

func (r *Responder) newDelivery() *delivery {
	d := r.dpool.Get().(*delivery)
	d.r = nil
	d.id = ""
	d.req = nil
	d.onceAck = nil
	return d
}

func (r *Responder) releaseDelivery(d *delivery) {
	if d == nil {
		return
	}
	// Clear references to aid GC
	d.r = nil
	d.req = nil
	d.onceAck = nil
	r.dpool.Put(d)
}

// Close stops serving, waits for in-flight requests and closes the client.
func (r *Responder) Close(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.client.Close()
}

// ResponderStats is a snapshot of responder counters.
type ResponderStats struct {
	Consumed      uint64
	Answered      uint64
	Failed        uint64
	Acked         uint64
	Nacked        uint64
	Claimed       uint64
	ReplyErrors   uint64
	ConsumeErrors uint64
}

func (r *Responder) Stats() ResponderStats {
	return ResponderStats{
		Consumed:      r.metrics.consumed.Load(),
		Answered:      r.metrics.answered.Load(),
		Failed:        r.metrics.failed.Load(),
		Acked:         r.metrics.acked.Load(),
		Nacked:        r.metrics.nacked.Load(),
		Claimed:       r.metrics.claimed.Load(),
		ReplyErrors:   r.metrics.replyErrors.Load(),
		ConsumeErrors: r.metrics.consumeErrors.Load(),
	}
}
