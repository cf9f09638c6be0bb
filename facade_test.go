package xtrack

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xtrack/adapter/memory"
	"github.com/trickstertwo/xtrack/bus"
	"github.com/trickstertwo/xtrack/dispatch"
	"github.com/trickstertwo/xtrack/query"
	"github.com/trickstertwo/xtrack/store/memstore"
	"github.com/trickstertwo/xtrack/track"
)

func TestEnqueue_WithoutDefault(t *testing.T) {
	prev := SetDefault(nil)
	t.Cleanup(func() { SetDefault(prev) })

	q := query.NewSearch("", 0)
	assert.Equal(t, dispatch.InvalidID, Enqueue(q, nil))
	assert.Equal(t, query.Invalidated, q.Status())
	assert.ErrorIs(t, q.Err(), ErrNoDefault)
}

func TestEnqueue_ThroughDefaults(t *testing.T) {
	s := memstore.New(
		&track.Track{Title: "Blue in Green", Artist: "Miles Davis", Path: "/m/1.mp3"},
		&track.Track{Title: "Yesterday", Artist: "The Beatles", Path: "/m/2.mp3"},
	)
	d := memory.Use(memory.Config{Store: s}, memory.WithBus(DefaultBus()))
	prev := SetDefault(d)
	t.Cleanup(func() {
		SetDefault(prev)
		_ = d.Close(context.Background())
	})
	assert.Same(t, d, Default())
	assert.Same(t, DefaultBus(), DefaultBus())

	done := make(chan []int64, 1)
	q := query.NewSearch("@miles", 0)
	require.NotEqual(t, dispatch.InvalidID, Enqueue(q, func(query.Query) { done <- q.Result() }))

	select {
	case ids := <-done:
		assert.Equal(t, []int64{1}, ids)
	case <-time.After(2 * time.Second):
		t.Fatal("callback not delivered on the default bus")
	}

	c := query.NewTrackCount()
	EnqueueAndWait(c, dispatch.WaitIndefinite, nil)
	assert.Equal(t, 2, c.Result())
}

func TestSetDefaultBus_RejectsNil(t *testing.T) {
	assert.Panics(t, func() { SetDefaultBus(nil) })
}

func TestDefaultBus_InjectedBusIsKept(t *testing.T) {
	defaultMu.Lock()
	prev := defaultBus
	defaultMu.Unlock()
	t.Cleanup(func() {
		defaultMu.Lock()
		defaultBus = prev
		defaultMu.Unlock()
	})

	mb := bus.New()
	t.Cleanup(mb.Close)
	SetDefaultBus(mb)

	assert.Same(t, mb, DefaultBus())
	assert.Same(t, mb, DefaultBus(), "an injected bus is never replaced")
}
