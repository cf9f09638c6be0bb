package tracklist

import (
	"time"

	"github.com/trickstertwo/xlog"
)

const (
	// DefaultWindowRadius gives a cache of 51 tracks.
	DefaultWindowRadius = 25
	// DefaultWaitTimeout bounds how long an async Get waits for its window.
	DefaultWaitTimeout = 150 * time.Millisecond
)

// Option configures a TrackList.
type Option func(*TrackList)

// WithWindowRadius sets the number of tracks cached on each side of the
// requested one; the cache holds 2*radius+1 tracks.
func WithWindowRadius(radius int) Option {
	return func(l *TrackList) { l.capacity = capacityFor(radius) }
}

// WithWaitTimeout sets how long an async fetch may block the caller before
// it gets a Loading placeholder.
func WithWaitTimeout(d time.Duration) Option {
	return func(l *TrackList) {
		if d >= 0 {
			l.waitTimeout = d
		}
	}
}

// WithSyncTimeout bounds synchronous fetches. The default waits until the
// fetch completes.
func WithSyncTimeout(d time.Duration) Option {
	return func(l *TrackList) {
		if d > 0 {
			l.syncTimeout = d
		}
	}
}

func WithLogger(lg *xlog.Logger) Option {
	return func(l *TrackList) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// WithIDs seeds the list.
func WithIDs(ids ...int64) Option {
	return func(l *TrackList) { l.ids = append(l.ids[:0], ids...) }
}

func capacityFor(radius int) int {
	if radius < 0 {
		radius = 0
	}
	return radius*2 + 1
}
