package indexer

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xtrack/store/memstore"
	"github.com/trickstertwo/xtrack/track"
)

// id3 builds a minimal ID3v2.3 tag with text frames, followed by some bytes
// standing in for audio.
func id3(frames map[string]string) []byte {
	ids := make([]string, 0, len(frames))
	for id := range frames {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var body bytes.Buffer
	for _, id := range ids {
		data := append([]byte{0}, frames[id]...) // ISO-8859-1
		body.WriteString(id)
		_ = binary.Write(&body, binary.BigEndian, uint32(len(data)))
		body.Write([]byte{0, 0})
		body.Write(data)
	}

	size := body.Len()
	out := []byte{'I', 'D', '3', 3, 0, 0,
		byte(size >> 21 & 0x7f), byte(size >> 14 & 0x7f), byte(size >> 7 & 0x7f), byte(size & 0x7f)}
	out = append(out, body.Bytes()...)
	return append(out, make([]byte, 64)...)
}

func write(t *testing.T, path string, data []byte) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestParseFile_Tags(t *testing.T) {
	dir := t.TempDir()
	p := write(t, filepath.Join(dir, "a.mp3"), id3(map[string]string{
		"TIT2": "Come Together",
		"TPE1": "Lennon",
		"TPE2": "The Beatles",
		"TALB": "Abbey Road",
		"TRCK": "1/17",
		"TPOS": "1/1",
	}))

	got, err := ParseFile(p)
	require.NoError(t, err)
	assert.Equal(t, "Come Together", got.Title)
	assert.Equal(t, "The Beatles", got.Artist, "album artist wins")
	assert.Equal(t, "Abbey Road", got.Album)
	assert.Equal(t, UnknownGenre, got.Genre)
	assert.Equal(t, 1, got.TrackNumber)
	assert.Equal(t, 1, got.DiscNumber)
	assert.Equal(t, p, got.Path)
	assert.Equal(t, track.Loaded, got.State)
}

func TestParseFile_Fallbacks(t *testing.T) {
	dir := t.TempDir()
	p := write(t, filepath.Join(dir, "Untitled Song.mp3"), id3(map[string]string{"TCON": "Jazz"}))

	got, err := ParseFile(p)
	require.NoError(t, err)
	assert.Equal(t, "Untitled Song", got.Title)
	assert.Equal(t, UnknownArtist, got.Artist)
	assert.Equal(t, UnknownAlbum, got.Album)
	assert.Equal(t, "Jazz", got.Genre)
}

func TestParseFile_NotAudio(t *testing.T) {
	p := write(t, filepath.Join(t.TempDir(), "fake.mp3"), []byte("definitely not an audio file"))
	_, err := ParseFile(p)
	assert.Error(t, err)
}

func TestIndex_ScansTreeAndSkipsJunk(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "beatles", "1.mp3"), id3(map[string]string{"TIT2": "Come Together", "TPE1": "The Beatles"}))
	write(t, filepath.Join(dir, "beatles", "2.MP3"), id3(map[string]string{"TIT2": "Something", "TPE1": "The Beatles"}))
	write(t, filepath.Join(dir, "miles", "deep", "3.mp3"), id3(map[string]string{"TIT2": "So What", "TPE1": "Miles Davis"}))
	write(t, filepath.Join(dir, "miles", "broken.flac"), []byte("junk"))
	write(t, filepath.Join(dir, "cover.jpg"), []byte("jpeg"))
	write(t, filepath.Join(dir, "notes.txt"), []byte("text"))

	s := memstore.New()
	res, err := New(s, WithWorkers(2), WithBatchSize(2)).Index(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Scanned)
	assert.Equal(t, 3, res.Indexed)
	assert.Equal(t, 1, res.Skipped)

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ids, err := s.Search(context.Background(), "@miles", 0)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	got, err := s.Lookup(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, "So What", got[0].Title)
}

func TestIndex_ReindexKeepsIDs(t *testing.T) {
	dir := t.TempDir()
	p := write(t, filepath.Join(dir, "1.mp3"), id3(map[string]string{"TIT2": "Before"}))

	s := memstore.New()
	ix := New(s)
	_, err := ix.Index(context.Background(), dir)
	require.NoError(t, err)
	before, err := s.Paths(context.Background())
	require.NoError(t, err)
	require.Len(t, before, 1)

	write(t, p, id3(map[string]string{"TIT2": "After"}))
	_, err = ix.Index(context.Background(), dir)
	require.NoError(t, err)

	after, err := s.Paths(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	for id := range after {
		got, err := s.Lookup(context.Background(), []int64{id})
		require.NoError(t, err)
		assert.Equal(t, "After", got[0].Title)
	}
}

func TestFreshen_OnlyNewerFiles(t *testing.T) {
	dir := t.TempDir()
	old := write(t, filepath.Join(dir, "old.mp3"), id3(map[string]string{"TIT2": "Old"}))
	write(t, filepath.Join(dir, "new.mp3"), id3(map[string]string{"TIT2": "New"}))

	since := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, since.Add(-time.Hour), since.Add(-time.Hour)))

	s := memstore.New()
	res, err := New(s).Freshen(context.Background(), dir, since)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Indexed)

	ids, err := s.Search(context.Background(), "$new", 0)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestPrune_RemovesVanishedFiles(t *testing.T) {
	dir := t.TempDir()
	keep := write(t, filepath.Join(dir, "keep.mp3"), id3(map[string]string{"TIT2": "Keep"}))
	gone := write(t, filepath.Join(dir, "gone.mp3"), id3(map[string]string{"TIT2": "Gone"}))

	s := memstore.New()
	ix := New(s)
	_, err := ix.Index(context.Background(), dir)
	require.NoError(t, err)

	require.NoError(t, os.Remove(gone))
	n, err := ix.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	paths, err := s.Paths(context.Background())
	require.NoError(t, err)
	require.Len(t, paths, 1)
	for _, p := range paths {
		assert.Equal(t, keep, p)
	}

	n, err = ix.Prune(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIndex_MissingRoot(t *testing.T) {
	_, err := New(memstore.New()).Index(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestIndex_StoreFailureStops(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"1", "2", "3"} {
		write(t, filepath.Join(dir, n+".mp3"), id3(map[string]string{"TIT2": n}))
	}
	s := memstore.New()
	require.NoError(t, s.Close())

	_, err := New(s, WithBatchSize(1)).Index(context.Background(), dir)
	assert.ErrorIs(t, err, track.ErrStoreClosed)
}

func TestWithExtensions(t *testing.T) {
	ix := New(memstore.New(), WithExtensions(".OPUS"))
	assert.True(t, ix.wanted("/a/b.opus"))
	assert.False(t, ix.wanted("/a/b.mp3"))
}
