package redisstream

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xtrack/query"
)

// delivery is a request read by the responder through its consumer group.
type delivery struct {
	r   *Responder
	id  string
	req *query.Request

	// Ensures Ack/Nack happens exactly once
	onceAck *sync.Once
}

// Ack acknowledges the request, marking it as handled.
func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.onceAck.Do(func() {
		err = d.r.client.XAck(ctx, d.r.cfg.RequestStream, d.r.cfg.Group, d.id).Err()
		if err == nil {
			d.r.metrics.acked.Add(1)
			if d.r.cfg.AutoDeleteOnAck {
				_ = d.r.client.XDel(ctx, d.r.cfg.RequestStream, d.id).Err()
			}
		}
	})
	return err
}

// Nack reports a request that could not be answered. Redis Streams has no
// explicit NACK: with a dead-letter stream the request is copied there and
// acknowledged, otherwise it stays pending for redelivery.
func (d *delivery) Nack(ctx context.Context, reason error) error {
	d.r.metrics.nacked.Add(1)
	dl := d.r.cfg.DeadLetter
	if dl == "" {
		return nil
	}

	values := encodeRequest(d.req, d.req.ReplyTo)
	values["orig_stream"] = d.r.cfg.RequestStream
	values["orig_id"] = d.id
	values[fieldError] = fmt.Sprintf("%v", reason)
	_ = d.r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dl,
		ID:     "*",
		Values: values,
	}).Err()

	// Acknowledge original to avoid infinite retry loops.
	return d.Ack(ctx)
}

func encodeRequest(req *query.Request, replyTo string) map[string]any {
	vals := make(map[string]any, 6)
	vals[fieldID] = req.ID
	vals[fieldName] = req.Name
	vals[fieldCodec] = req.Codec
	vals[fieldPayload] = req.Payload
	vals[fieldReplyTo] = replyTo
	vals[fieldProducedAt] = time.Now().UnixNano()
	return vals
}

func decodeRequest(vals map[string]any) *query.Request {
	return &query.Request{
		ID:      asString(vals[fieldID]),
		Name:    asString(vals[fieldName]),
		Codec:   asString(vals[fieldCodec]),
		Payload: asBytes(vals[fieldPayload]),
		ReplyTo: asString(vals[fieldReplyTo]),
	}
}

func encodeResponse(resp *query.Response) map[string]any {
	vals := make(map[string]any, 4)
	vals[fieldID] = resp.ID
	vals[fieldCode] = int64(resp.Code)
	if resp.Error != "" {
		vals[fieldError] = resp.Error
	}
	if resp.Payload != nil {
		vals[fieldPayload] = resp.Payload
	}
	return vals
}

func decodeResponse(vals map[string]any) *query.Response {
	resp := &query.Response{
		ID:      asString(vals[fieldID]),
		Payload: asBytes(vals[fieldPayload]),
		Error:   asString(vals[fieldError]),
	}
	if code, ok := toInt64(vals[fieldCode]); ok {
		resp.Code = query.ErrorCode(code)
	}
	return resp
}

// Helper functions for type conversion

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func asBytes(v any) []byte {
	switch p := v.(type) {
	case []byte:
		return p
	case string:
		if p == "" {
			return nil
		}
		return []byte(p)
	}
	return nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if n == "" {
			return 0, false
		}
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(f), true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
