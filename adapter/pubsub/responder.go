package pubsub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xtrack/query"
	"github.com/trickstertwo/xtrack/track"
)

const responderHandler = "xtrack_responder"

// Responder answers requests from the request topic through a watermill
// Router.
type Responder struct {
	cfg    Config
	store  track.Store
	mws    []query.Middleware
	logger *xlog.Logger

	mu     sync.Mutex
	router *message.Router
	runErr chan error

	answered    atomic.Uint64
	failed      atomic.Uint64
	malformed   atomic.Uint64
	replyErrors atomic.Uint64
}

type ResponderOption func(*Responder)

// WithResponderMiddleware wraps query execution.
func WithResponderMiddleware(mw ...query.Middleware) ResponderOption {
	return func(r *Responder) { r.mws = append(r.mws, mw...) }
}

// NewResponder validates cfg. The reply topic is not used by the responder.
func NewResponder(cfg Config, store track.Store, opts ...ResponderOption) (*Responder, error) {
	if cfg.ReplyTopic == "" {
		cfg.ReplyTopic = "-"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("pubsub: responder needs a store")
	}
	lg := cfg.Logger
	if lg == nil {
		lg = xlog.Default()
	}
	r := &Responder{cfg: cfg, store: store, logger: lg}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r, nil
}

// Start runs the router and returns once it is consuming.
func (r *Responder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.router != nil {
		return errors.New("pubsub: responder already started")
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 5 * time.Second}, NewLogger(r.logger))
	if err != nil {
		return err
	}
	router.AddMiddleware(middleware.Recoverer)
	router.AddNoPublisherHandler(responderHandler, r.cfg.RequestTopic, r.cfg.Subscriber, r.handle)

	r.router = router
	r.runErr = make(chan error, 1)
	go func() { r.runErr <- router.Run(ctx) }()

	select {
	case <-router.Running():
		return nil
	case err := <-r.runErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handle never returns an error for a failed query: the failure is the
// answer. Returning an error would make the router redeliver.
func (r *Responder) handle(msg *message.Message) error {
	req := decodeRequest(msg)
	if req.ID == "" || req.ReplyTo == "" {
		r.malformed.Add(1)
		r.logger.Warn().Str("message", msg.UUID).Msg("pubsub: request without correlation id or reply topic")
		return nil
	}

	resp := query.Execute(msg.Context(), r.store, req, r.mws...)
	if resp.OK() {
		r.answered.Add(1)
	} else {
		r.failed.Add(1)
	}

	if err := r.cfg.Publisher.Publish(req.ReplyTo, encodeResponse(resp)); err != nil {
		r.replyErrors.Add(1)
		r.logger.Warn().Err(err).Str("reply_to", req.ReplyTo).Msg("pubsub: reply failed")
	}
	return nil
}

// Close stops the router and waits for the handler to finish.
func (r *Responder) Close() error {
	r.mu.Lock()
	router := r.router
	r.mu.Unlock()
	if router == nil {
		return nil
	}
	return router.Close()
}

type ResponderStats struct {
	Answered    uint64
	Failed      uint64
	Malformed   uint64
	ReplyErrors uint64
}

func (r *Responder) Stats() ResponderStats {
	return ResponderStats{
		Answered:    r.answered.Load(),
		Failed:      r.failed.Load(),
		Malformed:   r.malformed.Load(),
		ReplyErrors: r.replyErrors.Load(),
	}
}
