package dispatch

import (
	"errors"
	"fmt"

	"github.com/trickstertwo/xtrack/query"
)

var (
	ErrDispatcherClosed            = errors.New("dispatch: dispatcher closed")
	ErrNoTransportConfigured       = errors.New("dispatch: no transport configured")
	ErrNoStoreConfigured           = errors.New("dispatch: no store configured")
	ErrNoLocalDispatcher           = errors.New("dispatch: local-only query without local dispatcher")
	ErrNotConnected                = errors.New("dispatch: transport not connected")
	ErrSendFailed                  = errors.New("dispatch: transport rejected request")
	ErrSerialize                   = errors.New("dispatch: query serialization failed")
	ErrObserverPoolShutdownTimeout = errors.New("dispatch: observer pool shutdown timeout")
)

type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }

// RemoteError is the failure reason of a query the peer reported as failed.
type RemoteError struct {
	Code query.ErrorCode
}

func (e *RemoteError) Error() string { return "dispatch: remote query failed: " + e.Code.String() }

var (
	// ErrAlreadyEnqueued rejects a query that is tracked or no longer Idle.
	ErrAlreadyEnqueued = errors.New("dispatch: query already enqueued")
	ErrNilQuery        = errors.New("dispatch: nil query")
)
