package query

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/trickstertwo/xtrack/track"
)

type fakeStore struct {
	mu      sync.Mutex
	tracks  map[int64]*track.Track
	err     error
	lookups int
	panics  bool
}

func newFakeStore(ids ...int64) *fakeStore {
	s := &fakeStore{tracks: map[int64]*track.Track{}}
	for _, id := range ids {
		s.tracks[id] = &track.Track{ID: id, Title: "t"}
	}
	return s
}

func (s *fakeStore) Lookup(_ context.Context, ids []int64) ([]*track.Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.panics {
		panic("store exploded")
	}
	if s.err != nil {
		return nil, s.err
	}
	var out []*track.Track
	for _, id := range ids {
		if t, ok := s.tracks[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) Search(_ context.Context, filter string, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var ids []int64
	for id := range s.tracks {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *fakeStore) Upsert(context.Context, []*track.Track) error { return errors.New("read only") }

func (s *fakeStore) Delete(context.Context, []int64) (int, error) { return 0, errors.New("read only") }

func (s *fakeStore) Paths(context.Context) (map[int64]string, error) { return nil, nil }

func (s *fakeStore) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	return len(s.tracks), nil
}

func (s *fakeStore) Close() error { return nil }
