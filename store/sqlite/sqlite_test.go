//go:build cgo

package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xtrack/store/storetest"
	"github.com/trickstertwo/xtrack/track"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) track.Store {
		s, err := Open(filepath.Join(t.TempDir(), "library.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestOpen_MemoryDatabase(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Upsert(context.Background(), storetest.Library()))
	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestOpen_ReopenKeepsTracks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "library.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, storetest.Library()))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	ids, err := s.Search(ctx, "@miles", 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, ids)
}

func TestLookup_ManyIDs(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	var tracks []*track.Track
	var ids []int64
	for i := 0; i < lookupChunk*2+7; i++ {
		tracks = append(tracks, &track.Track{Title: "t"})
	}
	require.NoError(t, s.Upsert(ctx, tracks))
	for i := len(tracks) - 1; i >= 0; i-- {
		ids = append(ids, tracks[i].ID)
	}

	got, err := s.Lookup(ctx, ids)
	require.NoError(t, err)
	require.Len(t, got, len(ids))
	assert.Equal(t, ids[0], got[0].ID)
	assert.Equal(t, ids[len(ids)-1], got[len(got)-1].ID)
}

func TestWhereClause(t *testing.T) {
	where, args := whereClause(track.ParseFilter("@a,@b,x"))
	assert.Equal(t, " WHERE ((artist LIKE ?) OR (artist LIKE ?)) AND ((artist LIKE ? OR album LIKE ? OR title LIKE ?))", where)
	assert.Len(t, args, 5)

	where, args = whereClause(track.ParseFilter(""))
	assert.Empty(t, where)
	assert.Empty(t, args)
}
