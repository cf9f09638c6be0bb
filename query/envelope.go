package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/trickstertwo/xtrack/track"
)

// ErrorCode classifies a remote failure.
type ErrorCode int

const (
	CodeNone ErrorCode = iota
	CodeUnknownQuery
	CodeBadRequest
	CodeExecution
	CodeSerialization
	CodeTimeout
	CodeUnavailable
	CodeDisconnected
)

func (c ErrorCode) String() string {
	switch c {
	case CodeNone:
		return "none"
	case CodeUnknownQuery:
		return "unknown_query"
	case CodeBadRequest:
		return "bad_request"
	case CodeExecution:
		return "execution"
	case CodeSerialization:
		return "serialization"
	case CodeTimeout:
		return "timeout"
	case CodeUnavailable:
		return "unavailable"
	case CodeDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// CodeFor maps an execution error to the code reported to the caller.
func CodeFor(err error) ErrorCode {
	switch {
	case err == nil:
		return CodeNone
	case errors.Is(err, ErrUnknownQuery):
		return CodeUnknownQuery
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, track.ErrStoreClosed):
		return CodeUnavailable
	default:
		return CodeExecution
	}
}

// Request is the wire envelope of a query.
type Request struct {
	// ID is the correlation id the response must carry back.
	ID   string `json:"id"`
	Name string `json:"name"`
	// Codec names the codec Payload was produced with; empty means json.
	Codec   string `json:"codec,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	// ReplyTo is set by transports that route responses per client.
	ReplyTo string `json:"reply_to,omitempty"`
}

// Response is the wire envelope of a query result.
type Response struct {
	ID      string    `json:"id"`
	Payload []byte    `json:"payload,omitempty"`
	Code    ErrorCode `json:"code,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// OK reports whether the response carries a result.
func (r *Response) OK() bool { return r.Code == CodeNone }

func (r *Response) fail(code ErrorCode, err error) *Response {
	r.Code = code
	r.Payload = nil
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// NewRequest serializes q into a request carrying correlation id.
func NewRequest(id string, q Query) (*Request, error) {
	payload, err := q.SerializeQuery()
	if err != nil {
		return nil, err
	}
	return &Request{
		ID:      id,
		Name:    q.Name(),
		Codec:   q.Codec().Name(),
		Payload: payload,
	}, nil
}
