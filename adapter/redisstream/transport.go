package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xtrack/dispatch"
	"github.com/trickstertwo/xtrack/query"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("redisstream: transport closed")

// Transport is the client side: it appends requests to the request stream
// and reads responses from its reply stream. It reports the Redis connection
// as its dispatch.ConnectionState.
type Transport struct {
	cfg    Config
	client *redis.Client
	logger *xlog.Logger

	mu       sync.RWMutex
	listener dispatch.Listener
	state    dispatch.ConnectionState
	watchers []func(dispatch.ConnectionState)

	// lastID is the last reply entry read; replies older than the transport
	// are never delivered.
	lastID string

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool

	metrics *transportMetrics
}

// transportMetrics tracks client telemetry.
type transportMetrics struct {
	sent          atomic.Uint64
	replies       atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

var _ dispatch.StatefulTransport = (*Transport)(nil)

// NewTransport connects to Redis and starts reading replies.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := newClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ping(ctx, client); err != nil {
		_ = client.Close()
		return nil, err
	}
	// Start after the server's current time so stale replies are skipped.
	now, err := client.Time(ctx).Result()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstream: server time: %w", err)
	}

	lg := cfg.Logger
	if lg == nil {
		lg = xlog.Default()
	}
	t := &Transport{
		cfg:     cfg,
		client:  client,
		logger:  lg,
		state:   dispatch.Connected,
		lastID:  strconv.FormatInt(now.UnixMilli()-1, 10) + "-0",
		metrics: &transportMetrics{},
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.replyLoop()
	}()
	return t, nil
}

func newClient(cfg Config) *redis.Client {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}
	return redis.NewClient(opts)
}

func (t *Transport) Bind(l dispatch.Listener) {
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
}

// Send appends req to the request stream with this transport's reply stream.
func (t *Transport) Send(ctx context.Context, req *query.Request) error {
	if t.closed.Load() {
		return ErrClosed
	}

	args := &redis.XAddArgs{
		Stream: t.cfg.RequestStream,
		ID:     "*",
		Values: encodeRequest(req, t.cfg.ReplyStream),
	}
	if t.cfg.MaxLenApprox > 0 {
		args.MaxLen = t.cfg.MaxLenApprox
		args.Approx = true
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		t.metrics.publishErrors.Add(1)
		if ctx.Err() == nil && !t.closed.Load() {
			t.setState(dispatch.Disconnected)
		}
		return fmt.Errorf("redisstream: xadd: %w", err)
	}
	t.metrics.sent.Add(1)
	return nil
}

// replyLoop reads the reply stream and reports responses to the listener.
func (t *Transport) replyLoop() {
	args := &redis.XReadArgs{
		Count: int64(max(1, t.cfg.BatchSize)),
		Block: t.cfg.Block,
	}

	backoff := 100 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		args.Streams = []string{t.cfg.ReplyStream, t.lastID}
		res, err := t.client.XRead(t.ctx, args).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || t.ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				// Block timeout.
				backoff = 100 * time.Millisecond
				continue
			}

			t.metrics.consumeErrors.Add(1)
			t.logger.Warn().Err(err).Dur("backoff", backoff).Msg("redisstream: reply read failed")
			t.setState(dispatch.Disconnected)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-t.ctx.Done():
				return
			}
			continue
		}

		backoff = 100 * time.Millisecond
		if t.State() == dispatch.Disconnected {
			t.setState(dispatch.Connected)
		}

		var handled []string
		for _, stream := range res {
			for _, msg := range stream.Messages {
				t.lastID = msg.ID
				handled = append(handled, msg.ID)
				t.deliver(decodeResponse(msg.Values))
			}
		}
		if t.cfg.AutoDeleteOnAck && len(handled) > 0 {
			_ = t.client.XDel(t.ctx, t.cfg.ReplyStream, handled...).Err()
		}
	}
}

func (t *Transport) deliver(resp *query.Response) {
	t.metrics.replies.Add(1)
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

func (t *Transport) State() dispatch.ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Transport) OnStateChange(fn func(dispatch.ConnectionState)) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	t.watchers = append(t.watchers, fn)
	t.mu.Unlock()
}

func (t *Transport) setState(s dispatch.ConnectionState) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	watchers := append([]func(dispatch.ConnectionState)(nil), t.watchers...)
	t.mu.Unlock()

	for _, fn := range watchers {
		fn(s)
	}
}

// Reconnect pings the server and reports Connected when it answers.
func (t *Transport) Reconnect(ctx context.Context) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.setState(dispatch.Connecting)

	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := ping(pctx, t.client); err != nil {
		var authErr redis.Error
		if errors.As(err, &authErr) && isAuthError(authErr) {
			t.setState(dispatch.AuthenticationFailure)
		} else {
			t.setState(dispatch.Disconnected)
		}
		return err
	}
	t.setState(dispatch.Connected)
	return nil
}

// Close stops the reply reader and closes the client.
func (t *Transport) Close(_ context.Context) error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.cancel()
		t.wg.Wait()
		err = t.client.Close()
	})
	return err
}

// Stats is a snapshot of client counters.
type Stats struct {
	Sent          uint64
	Replies       uint64
	PublishErrors uint64
	ConsumeErrors uint64
}

func (t *Transport) Stats() Stats {
	return Stats{
		Sent:          t.metrics.sent.Load(),
		Replies:       t.metrics.replies.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
		ConsumeErrors: t.metrics.consumeErrors.Load(),
	}
}

func ping(ctx context.Context, c *redis.Client) error {
	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}

func isAuthError(err redis.Error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "NOAUTH") || strings.HasPrefix(msg, "WRONGPASS")
}
