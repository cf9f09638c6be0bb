// Package dispatch runs queries exactly once, either against a local
// track.Store or through a Transport to a remote peer, and delivers each
// query's completion callback exactly once, through the message bus when one
// is configured.
package dispatch

import (
	"context"
	"time"

	"github.com/trickstertwo/xtrack/query"
)

// InvalidID is returned by Enqueue and EnqueueAndWait when a query is rejected.
const InvalidID int64 = -1

// WaitIndefinite makes EnqueueAndWait wait until the query completes.
const WaitIndefinite time.Duration = -1

// Callback receives a query once it reached a terminal state.
type Callback func(q query.Query)

// Dispatcher executes queries.
type Dispatcher interface {
	// Enqueue schedules q and returns its id, or InvalidID when rejected.
	// It never blocks.
	Enqueue(q query.Query, cb Callback) int64
	// EnqueueAndWait schedules q, then waits up to timeout for it to reach
	// a terminal state (0 does not wait, WaitIndefinite waits forever). The
	// id is returned whether or not the wait completed; timing out leaves the
	// query running.
	EnqueueAndWait(q query.Query, timeout time.Duration, cb Callback) int64
}

// Listener receives responses from a Transport.
type Listener interface {
	QuerySucceeded(correlationID string, result []byte)
	QueryFailed(correlationID string, code query.ErrorCode)
}

// Transport carries serialized queries to a remote executor.
type Transport interface {
	// Bind installs the listener responses are reported to. It is called
	// once, before the first Send.
	Bind(l Listener)
	// Send hands req to the peer. An error means the request was not
	// accepted and no response will follow.
	Send(ctx context.Context, req *query.Request) error
	Close(ctx context.Context) error
}

// ConnectionState of a stateful transport.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	AuthenticationFailure
	IncompatibleVersion
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case AuthenticationFailure:
		return "authentication_failure"
	case IncompatibleVersion:
		return "incompatible_version"
	default:
		return "unknown"
	}
}

// StatefulTransport is a Transport over a connection that can drop.
type StatefulTransport interface {
	Transport
	State() ConnectionState
	// OnStateChange registers fn to be called on every state transition.
	OnStateChange(fn func(ConnectionState))
	// Reconnect re-establishes a dropped connection.
	Reconnect(ctx context.Context) error
}

// Observer receives dispatcher lifecycle events. Implementations should be
// non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// HealthChecker provides health status for monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// Bus message types handled by dispatchers.
const (
	MsgQueryCompleted = 5000 + iota
	MsgReconnect
	MsgConnectionStateChanged
	// MsgConnectionState is broadcast with the new ConnectionState in Data1.
	MsgConnectionState
)
