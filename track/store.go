package track

import (
	"context"
	"errors"
)

// ErrStoreClosed is returned by stores after Close.
var ErrStoreClosed = errors.New("track: store closed")

// Store is the local metadata backend queries execute against.
type Store interface {
	// Lookup returns the tracks for ids in request order. Unknown ids are
	// omitted rather than reported as errors.
	Lookup(ctx context.Context, ids []int64) ([]*Track, error)

	// Search returns the ids of tracks matching filter (see ParseFilter) in
	// artist, album, disc, track order. limit <= 0 means no limit.
	Search(ctx context.Context, filter string, limit int) ([]int64, error)

	// Upsert inserts or updates tracks. Tracks with a zero ID are assigned one;
	// stores keyed by path reuse the id already stored for that path.
	Upsert(ctx context.Context, tracks []*Track) error

	// Delete removes the given ids and returns how many existed.
	Delete(ctx context.Context, ids []int64) (int, error)

	// Paths returns every stored path keyed by its track id.
	Paths(ctx context.Context) (map[int64]string, error)

	// Count returns the number of stored tracks.
	Count(ctx context.Context) (int, error)

	Close() error
}
