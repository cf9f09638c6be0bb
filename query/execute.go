package query

import (
	"context"
	"errors"

	"github.com/trickstertwo/xtrack/track"
)

// Handler executes a query.
type Handler func(ctx context.Context, q Query) error

// Runner is the terminal Handler: it runs q against store.
func Runner(store track.Store) Handler {
	return func(ctx context.Context, q Query) error {
		return q.Run(ctx, store)
	}
}

// Execute is the executing side of a remote round trip: it rebuilds the
// query described by req, runs it against store through mws and returns the
// response to send back. It never returns nil.
func Execute(ctx context.Context, store track.Store, req *Request, mws ...Middleware) *Response {
	resp := &Response{ID: req.ID}

	c, err := NewCodec(req.Codec)
	if err != nil {
		return resp.fail(CodeBadRequest, err)
	}
	q, err := New(req.Name, c, req.Payload)
	if err != nil {
		if errors.Is(err, ErrUnknownQuery) {
			return resp.fail(CodeUnknownQuery, err)
		}
		return resp.fail(CodeBadRequest, err)
	}

	q.Start()
	h := Chain(Runner(store), append([]Middleware{RecoveryMiddleware()}, mws...)...)
	if err := h(ctx, q); err != nil {
		q.Fail(err)
		return resp.fail(CodeFor(err), err)
	}

	payload, err := q.SerializeResult()
	if err != nil {
		q.Fail(err)
		return resp.fail(CodeSerialization, err)
	}
	q.Finish()
	resp.Payload = payload
	return resp
}
