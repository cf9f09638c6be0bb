// Package xtrack holds process-wide defaults for applications that want one
// bus and one dispatcher without threading them through every component.
//
//	xtrack.SetDefault(memory.Use(memory.Config{Store: s}, memory.WithBus(xtrack.DefaultBus())))
//	xtrack.Enqueue(query.NewSearch("@beatles", 0), func(q query.Query) { ... })
//
// The facade is opt-in for applications. Components (track lists, adapters,
// responders) never reach for it: they take their bus and dispatcher as
// explicit arguments, and nothing in this module recreates a bus behind
// their back. DefaultBus only creates one the first time the application
// asks for it.
package xtrack

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/trickstertwo/xtrack/bus"
	"github.com/trickstertwo/xtrack/dispatch"
	"github.com/trickstertwo/xtrack/query"
)

// ErrNoDefault rejects queries enqueued before SetDefault.
var ErrNoDefault = errors.New("xtrack: no default dispatcher")

var (
	defaultMu         sync.Mutex
	defaultBus        *bus.Bus
	defaultDispatcher dispatch.Dispatcher
)

// DefaultBus returns the process-wide bus. The first call creates it and
// starts its dispatch loop on a dedicated goroutine.
func DefaultBus() *bus.Bus {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultBus != nil {
		return defaultBus
	}
	b := bus.New()
	go func() { _ = b.Run(context.Background()) }()
	defaultBus = b
	return defaultBus
}

// SetDefaultBus replaces the process-wide bus. The caller runs its dispatch
// loop; the previous bus is left untouched.
func SetDefaultBus(b *bus.Bus) {
	if b == nil {
		panic("xtrack: SetDefaultBus called with nil Bus")
	}
	defaultMu.Lock()
	defaultBus = b
	defaultMu.Unlock()
}

// SetDefault installs the process-wide dispatcher and returns the previous
// one, which the caller still owns.
func SetDefault(d dispatch.Dispatcher) dispatch.Dispatcher {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	prev := defaultDispatcher
	defaultDispatcher = d
	return prev
}

// Default returns the process-wide dispatcher, nil before SetDefault.
func Default() dispatch.Dispatcher {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultDispatcher
}

// Enqueue is the facade over Default().Enqueue.
func Enqueue(q query.Query, cb dispatch.Callback) int64 {
	return EnqueueAndWait(q, 0, cb)
}

// EnqueueAndWait is the facade over Default().EnqueueAndWait. Without a
// default dispatcher q is invalidated with ErrNoDefault.
func EnqueueAndWait(q query.Query, timeout time.Duration, cb dispatch.Callback) int64 {
	d := Default()
	if d == nil {
		if q != nil {
			q.Invalidate(ErrNoDefault)
		}
		return dispatch.InvalidID
	}
	return d.EnqueueAndWait(q, timeout, cb)
}
