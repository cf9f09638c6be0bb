package bus

import "errors"

var (
	// ErrBroadcastTarget is the panic value for broadcasting a targeted message.
	ErrBroadcastTarget = errors.New("bus: broadcast message must not have a target")
	// ErrBusClosed is returned by Run once the bus has been closed.
	ErrBusClosed = errors.New("bus: closed")
)
