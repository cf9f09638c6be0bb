package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xtrack/dispatch"
	"github.com/trickstertwo/xtrack/query"
)

var ErrClosed = errors.New("pubsub: transport closed")

var _ dispatch.Transport = (*Transport)(nil)

// Transport publishes requests on the request topic and reads responses
// from its reply topic. It does not own the Publisher or Subscriber.
type Transport struct {
	cfg    Config
	logger *xlog.Logger

	mu       sync.RWMutex
	listener dispatch.Listener

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool

	sent    atomic.Uint64
	replies atomic.Uint64
}

// NewTransport subscribes to the reply topic and returns the transport.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lg := cfg.Logger
	if lg == nil {
		lg = xlog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	replies, err := cfg.Subscriber.Subscribe(ctx, cfg.ReplyTopic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("pubsub: subscribe %s: %w", cfg.ReplyTopic, err)
	}

	t := &Transport{cfg: cfg, logger: lg, cancel: cancel}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for msg := range replies {
			t.deliver(decodeResponse(msg))
			msg.Ack()
		}
	}()
	return t, nil
}

func (t *Transport) Bind(l dispatch.Listener) {
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
}

func (t *Transport) Send(_ context.Context, req *query.Request) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := t.cfg.Publisher.Publish(t.cfg.RequestTopic, encodeRequest(req, t.cfg.ReplyTopic)); err != nil {
		return fmt.Errorf("pubsub: publish: %w", err)
	}
	t.sent.Add(1)
	return nil
}

func (t *Transport) deliver(resp *query.Response) {
	t.replies.Add(1)
	t.mu.RLock()
	l := t.listener
	t.mu.RUnlock()
	if l == nil || resp.ID == "" {
		return
	}
	if resp.OK() {
		l.QuerySucceeded(resp.ID, resp.Payload)
		return
	}
	l.QueryFailed(resp.ID, resp.Code)
}

// Close ends the reply subscription. The Publisher and Subscriber stay open.
func (t *Transport) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.cancel()
	})
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats is a snapshot of client counters.
type Stats struct {
	Sent    uint64
	Replies uint64
}

func (t *Transport) Stats() Stats {
	return Stats{Sent: t.sent.Load(), Replies: t.replies.Load()}
}

func encodeRequest(req *query.Request, replyTo string) *message.Message {
	msg := message.NewMessage(watermill.NewUUID(), req.Payload)
	middleware.SetCorrelationID(req.ID, msg)
	msg.Metadata.Set(metaName, req.Name)
	msg.Metadata.Set(metaCodec, req.Codec)
	msg.Metadata.Set(metaReplyTo, replyTo)
	return msg
}

func decodeRequest(msg *message.Message) *query.Request {
	return &query.Request{
		ID:      middleware.MessageCorrelationID(msg),
		Name:    msg.Metadata.Get(metaName),
		Codec:   msg.Metadata.Get(metaCodec),
		Payload: msg.Payload,
		ReplyTo: msg.Metadata.Get(metaReplyTo),
	}
}

func encodeResponse(resp *query.Response) *message.Message {
	msg := message.NewMessage(watermill.NewUUID(), resp.Payload)
	middleware.SetCorrelationID(resp.ID, msg)
	if resp.Code != query.CodeNone {
		msg.Metadata.Set(metaCode, strconv.Itoa(int(resp.Code)))
	}
	if resp.Error != "" {
		msg.Metadata.Set(metaError, resp.Error)
	}
	return msg
}

func decodeResponse(msg *message.Message) *query.Response {
	resp := &query.Response{
		ID:      middleware.MessageCorrelationID(msg),
		Payload: msg.Payload,
		Error:   msg.Metadata.Get(metaError),
	}
	if c := msg.Metadata.Get(metaCode); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil {
			n = int(query.CodeSerialization)
		}
		resp.Code = query.ErrorCode(n)
	}
	return resp
}
