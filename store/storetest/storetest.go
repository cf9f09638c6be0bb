// Package storetest holds the behaviour every track.Store must share.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xtrack/track"
)

// Opener returns a fresh, empty store.
type Opener func(t *testing.T) track.Store

// Library is the fixture every contract test starts from. Ids are assigned
// by the store in this order, starting at 1.
func Library() []*track.Track {
	return []*track.Track{
		{Title: "Come Together", Artist: "The Beatles", Album: "Abbey Road", Genre: "Rock", Path: "/m/1.mp3", TrackNumber: 1, Duration: 259},
		{Title: "Something", Artist: "The Beatles", Album: "Abbey Road", Genre: "Rock", Path: "/m/2.mp3", TrackNumber: 2, Duration: 182},
		{Title: "So What", Artist: "Miles Davis", Album: "Kind of Blue", Genre: "Jazz", Path: "/m/3.mp3", TrackNumber: 1, Duration: 562},
		{Title: "Blue in Green", Artist: "Miles Davis", Album: "Kind of Blue", Genre: "Jazz", Path: "/m/4.mp3", TrackNumber: 3, DiscNumber: 1, Duration: 337},
	}
}

// Run exercises open's stores against the track.Store contract.
func Run(t *testing.T, open Opener) {
	t.Run("Lookup", func(t *testing.T) { testLookup(t, open) })
	t.Run("Search", func(t *testing.T) { testSearch(t, open) })
	t.Run("Upsert", func(t *testing.T) { testUpsert(t, open) })
	t.Run("DeleteAndPaths", func(t *testing.T) { testDeleteAndPaths(t, open) })
	t.Run("Closed", func(t *testing.T) { testClosed(t, open) })
}

func seeded(t *testing.T, open Opener) track.Store {
	t.Helper()
	s := open(t)
	lib := Library()
	require.NoError(t, s.Upsert(context.Background(), lib))
	for i, tr := range lib {
		require.Equal(t, int64(i+1), tr.ID)
	}
	return s
}

func testLookup(t *testing.T, open Opener) {
	s := seeded(t, open)
	ctx := context.Background()

	got, err := s.Lookup(ctx, []int64{3, 42, 1})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].ID)
	assert.Equal(t, "So What", got[0].Title)
	assert.Equal(t, "Miles Davis", got[0].Artist)
	assert.Equal(t, "Jazz", got[0].Genre)
	assert.Equal(t, "/m/3.mp3", got[0].Path)
	assert.Equal(t, 562, got[0].Duration)
	assert.Equal(t, track.Loaded, got[0].State)
	assert.Equal(t, int64(1), got[1].ID)

	got, err = s.Lookup(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testSearch(t *testing.T, open Opener) {
	s := seeded(t, open)
	ctx := context.Background()

	cases := []struct {
		filter string
		limit  int
		want   []int64
	}{
		{"", 0, []int64{3, 4, 1, 2}},
		{"", 2, []int64{3, 4}},
		{"@beatles", 0, []int64{1, 2}},
		{"@BEATLES", 1, []int64{1}},
		{"blue", 0, []int64{3, 4}},
		{"!jazz,!rock,$so", 0, []int64{3, 2}},
		{"#abbey,$what", 0, []int64{}},
		{"@nobody", 0, []int64{}},
	}
	for _, tc := range cases {
		ids, err := s.Search(ctx, tc.filter, tc.limit)
		require.NoError(t, err, tc.filter)
		if len(tc.want) == 0 {
			assert.Empty(t, ids, tc.filter)
			continue
		}
		assert.Equal(t, tc.want, ids, tc.filter)
	}
}

func testUpsert(t *testing.T, open Opener) {
	s := seeded(t, open)
	ctx := context.Background()

	renamed := &track.Track{Title: "Come Together (Remastered)", Artist: "The Beatles", Path: "/m/1.mp3"}
	require.NoError(t, s.Upsert(ctx, []*track.Track{renamed}))
	assert.Equal(t, int64(1), renamed.ID, "id reused for a known path")

	added := &track.Track{Title: "Freddie Freeloader", Artist: "Miles Davis", Path: "/m/5.mp3"}
	require.NoError(t, s.Upsert(ctx, []*track.Track{added}))
	assert.Equal(t, int64(5), added.ID)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	got, err := s.Lookup(ctx, []int64{1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Come Together (Remastered)", got[0].Title)
}

func testDeleteAndPaths(t *testing.T, open Opener) {
	s := seeded(t, open)
	ctx := context.Background()

	n, err := s.Delete(ctx, []int64{2, 4, 99})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	paths, err := s.Paths(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{1: "/m/1.mp3", 3: "/m/3.mp3"}, paths)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func testClosed(t *testing.T, open Opener) {
	s := seeded(t, open)
	ctx := context.Background()
	require.NoError(t, s.Close())

	_, err := s.Lookup(ctx, []int64{1})
	assert.ErrorIs(t, err, track.ErrStoreClosed)
	_, err = s.Search(ctx, "", 0)
	assert.ErrorIs(t, err, track.ErrStoreClosed)
	assert.ErrorIs(t, s.Upsert(ctx, Library()), track.ErrStoreClosed)
	_, err = s.Count(ctx)
	assert.ErrorIs(t, err, track.ErrStoreClosed)
	assert.NoError(t, s.Close(), "close is idempotent")
}
