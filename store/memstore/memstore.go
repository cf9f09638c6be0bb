// Package memstore is an in-memory track.Store for tests, demos and the
// loopback transport.
package memstore

import (
	"context"
	"sync"

	"github.com/trickstertwo/xtrack/track"
)

var _ track.Store = (*Store)(nil)

// Store keeps tracks in maps keyed by id and by path.
type Store struct {
	mu     sync.RWMutex
	tracks map[int64]*track.Track
	byPath map[string]int64
	nextID int64
	closed bool
}

// New returns a store holding tracks. Tracks without an id get one.
func New(tracks ...*track.Track) *Store {
	s := &Store{
		tracks: map[int64]*track.Track{},
		byPath: map[string]int64{},
	}
	_ = s.Upsert(context.Background(), tracks)
	return s
}

func (s *Store) Lookup(_ context.Context, ids []int64) ([]*track.Track, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, track.ErrStoreClosed
	}
	out := make([]*track.Track, 0, len(ids))
	for _, id := range ids {
		if t, ok := s.tracks[id]; ok {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) Search(_ context.Context, filter string, limit int) ([]int64, error) {
	f := track.ParseFilter(filter)

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, track.ErrStoreClosed
	}
	matches := make([]*track.Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		if f.Match(t) {
			matches = append(matches, t)
		}
	}
	s.mu.RUnlock()

	track.SortForListing(matches)
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	ids := make([]int64, len(matches))
	for i, t := range matches {
		ids[i] = t.ID
	}
	return ids, nil
}

func (s *Store) Upsert(_ context.Context, tracks []*track.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return track.ErrStoreClosed
	}
	for _, t := range tracks {
		if t == nil {
			continue
		}
		if t.ID == 0 && t.Path != "" {
			t.ID = s.byPath[t.Path]
		}
		if t.ID == 0 {
			s.nextID++
			t.ID = s.nextID
		} else if t.ID > s.nextID {
			s.nextID = t.ID
		}
		if old, ok := s.tracks[t.ID]; ok && old.Path != t.Path {
			delete(s.byPath, old.Path)
		}
		c := *t
		c.State = track.Loaded
		s.tracks[t.ID] = &c
		if t.Path != "" {
			s.byPath[t.Path] = t.ID
		}
	}
	return nil
}

func (s *Store) Delete(_ context.Context, ids []int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, track.ErrStoreClosed
	}
	n := 0
	for _, id := range ids {
		t, ok := s.tracks[id]
		if !ok {
			continue
		}
		delete(s.tracks, id)
		delete(s.byPath, t.Path)
		n++
	}
	return n, nil
}

func (s *Store) Paths(context.Context) (map[int64]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, track.ErrStoreClosed
	}
	out := make(map[int64]string, len(s.tracks))
	for id, t := range s.tracks {
		out[id] = t.Path
	}
	return out, nil
}

func (s *Store) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, track.ErrStoreClosed
	}
	return len(s.tracks), nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
