// Package query defines serializable track-metadata queries, their status
// machine and the registry used to rebuild them on the executing side.
package query

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/xtrack/track"
)

// Query is a request that runs against a track.Store, locally or on the far
// side of a transport. The same type executes identically in both cases: the
// caller serializes it with SerializeQuery, the executing side rebuilds it
// with New, runs it and answers with SerializeResult, and the caller applies
// the answer with DeserializeResult.
type Query interface {
	// ID is process-unique and assigned on first use.
	ID() int64
	// Name is the registry key.
	Name() string
	Status() Status
	// Err is the failure reason once the query is Failed or Invalidated.
	Err() error
	// LocalOnly queries must never be sent to a remote peer.
	LocalOnly() bool

	Run(ctx context.Context, store track.Store) error

	SerializeQuery() ([]byte, error)
	SerializeResult() ([]byte, error)
	DeserializeResult(data []byte) error

	// Codec is the codec used by the Serialize/Deserialize methods.
	Codec() Codec
	SetCodec(c Codec)

	// Start moves Idle to Running.
	Start() bool
	// Finish, Fail and Invalidate move a non-terminal query to the matching
	// terminal state. They report false when the query already was terminal.
	Finish() bool
	Fail(err error) bool
	Invalidate(err error) bool
}

var nextID atomic.Int64

// Base implements the bookkeeping part of Query. Embed it by value; the zero
// value is ready to use.
type Base struct {
	id     atomic.Int64
	status atomic.Int32

	mu    sync.Mutex
	err   error
	codec Codec
}

func (b *Base) ID() int64 {
	if id := b.id.Load(); id != 0 {
		return id
	}
	b.id.CompareAndSwap(0, nextID.Add(1))
	return b.id.Load()
}

func (b *Base) Status() Status { return Status(b.status.Load()) }

func (b *Base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// LocalOnly defaults to false.
func (b *Base) LocalOnly() bool { return false }

func (b *Base) Codec() Codec {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.codec == nil {
		return JSONCodec{}
	}
	return b.codec
}

func (b *Base) SetCodec(c Codec) {
	b.mu.Lock()
	b.codec = c
	b.mu.Unlock()
}

func (b *Base) Start() bool {
	return b.status.CompareAndSwap(int32(Idle), int32(Running))
}

func (b *Base) Finish() bool { return b.terminate(Finished, nil) }

func (b *Base) Fail(err error) bool { return b.terminate(Failed, err) }

func (b *Base) Invalidate(err error) bool {
	if err == nil {
		err = ErrInvalidated
	}
	return b.terminate(Invalidated, err)
}

func (b *Base) terminate(to Status, err error) bool {
	// err is written under mu before mu is released, so a reader that sees
	// the terminal status and then calls Err observes the reason.
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		cur := b.status.Load()
		if Status(cur).Terminal() {
			return false
		}
		if b.status.CompareAndSwap(cur, int32(to)) {
			if err != nil {
				b.err = err
			}
			return true
		}
	}
}
