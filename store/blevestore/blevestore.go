// Package blevestore is a track.Store backed by a bleve full-text index, either
// in memory or in an index directory on disk.
package blevestore

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/single"
	"github.com/blevesearch/bleve/v2/mapping"
	bleveQuery "github.com/blevesearch/bleve/v2/search/query"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xtrack/track"
)

var _ track.Store = (*Store)(nil)

// lowerKeyword indexes a whole field as one lowercased token so wildcard
// queries behave like a case-insensitive substring match.
const lowerKeyword = "xtrack_lower_keyword"

// document is what gets indexed for a track. The doc id is the track id.
type document struct {
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	Album       string `json:"album"`
	Genre       string `json:"genre"`
	Path        string `json:"path"`
	TrackNumber int    `json:"tracknumber"`
	DiscNumber  int    `json:"discnumber"`
	Duration    int    `json:"duration"`
}

// Store implements track.Store on a bleve index.
type Store struct {
	logger *xlog.Logger

	mu     sync.Mutex // serializes writers and guards nextID
	index  bleve.Index
	nextID int64
	closed bool
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(l *xlog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open opens the index directory at path, creating it when missing. An empty
// path creates a memory-only index.
func Open(path string, opts ...Option) (*Store, error) {
	var (
		idx bleve.Index
		err error
	)
	switch {
	case path == "":
		idx, err = bleve.NewMemOnly(newMapping())
	default:
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			idx, err = bleve.New(path, newMapping())
		} else {
			idx, err = bleve.Open(path)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("bleve: open %q: %w", path, err)
	}

	s := &Store{index: idx, logger: xlog.Default()}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}

	paths, err := s.paths()
	if err != nil {
		_ = idx.Close()
		return nil, err
	}
	for id := range paths {
		s.nextID = max(s.nextID, id)
	}
	return s, nil
}

func newMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	// Only fails for unknown components, which are all registered by import.
	_ = im.AddCustomAnalyzer(lowerKeyword, map[string]any{
		"type":          custom.Name,
		"tokenizer":     single.Name,
		"token_filters": []any{lowercase.Name},
	})

	text := bleve.NewTextFieldMapping()
	text.Analyzer = lowerKeyword
	text.Store = true

	keyword := bleve.NewKeywordFieldMapping()
	keyword.Store = true

	number := bleve.NewNumericFieldMapping()
	number.Store = true

	dm := bleve.NewDocumentStaticMapping()
	for _, f := range []string{"title", "artist", "album", "genre"} {
		dm.AddFieldMappingsAt(f, text)
	}
	dm.AddFieldMappingsAt("path", keyword)
	for _, f := range []string{"tracknumber", "discnumber", "duration"} {
		dm.AddFieldMappingsAt(f, number)
	}
	im.DefaultMapping = dm
	return im
}

func (s *Store) Lookup(ctx context.Context, ids []int64) ([]*track.Track, error) {
	if len(ids) == 0 {
		return []*track.Track{}, nil
	}
	docIDs := make([]string, len(ids))
	for i, id := range ids {
		docIDs[i] = docID(id)
	}
	found, err := s.search(ctx, bleve.NewDocIDQuery(docIDs), len(ids), "*")
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]*track.Track, len(found))
	for _, t := range found {
		byID[t.ID] = t
	}
	out := make([]*track.Track, 0, len(ids))
	for _, id := range ids {
		if t, ok := byID[id]; ok {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) Search(ctx context.Context, filter string, limit int) ([]int64, error) {
	n, err := s.Count(ctx)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return []int64{}, nil
	}
	found, err := s.search(ctx, filterQuery(track.ParseFilter(filter)), n, "*")
	if err != nil {
		return nil, err
	}
	track.SortForListing(found)
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	ids := make([]int64, len(found))
	for i, t := range found {
		ids[i] = t.ID
	}
	return ids, nil
}

// filterQuery builds a conjunction of per-kind disjunctions.
func filterQuery(f track.Filter) bleveQuery.Query {
	if f.Empty() {
		return bleve.NewMatchAllQuery()
	}
	must := bleve.NewConjunctionQuery()
	addOrGroup := func(terms []string, fields ...string) {
		if len(terms) == 0 {
			return
		}
		or := bleve.NewDisjunctionQuery()
		for _, term := range terms {
			for _, field := range fields {
				or.AddQuery(substring(field, term))
			}
		}
		must.AddQuery(or)
	}
	addOrGroup(f.Genres, "genre")
	addOrGroup(f.Artists, "artist")
	addOrGroup(f.Albums, "album")
	addOrGroup(f.Titles, "title")
	addOrGroup(f.Any, "artist", "album", "title")
	return must
}

func substring(field, term string) bleveQuery.Query {
	term = strings.NewReplacer("*", "", "?", "").Replace(strings.ToLower(term))
	q := bleve.NewWildcardQuery("*" + term + "*")
	q.SetField(field)
	return q
}

// Upsert indexes tracks in one batch. A track without id takes over the id
// already stored for its path.
func (s *Store) Upsert(ctx context.Context, tracks []*track.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return track.ErrStoreClosed
	}

	b := s.index.NewBatch()
	batched := map[string]int64{}
	for _, t := range tracks {
		if t == nil {
			continue
		}
		existing, err := s.idsForPath(ctx, t.Path)
		if err != nil {
			return err
		}
		if id, ok := batched[t.Path]; ok {
			existing = append([]int64{id}, existing...)
		}
		if t.ID == 0 && len(existing) > 0 {
			t.ID = existing[0]
		}
		if t.ID == 0 {
			s.nextID++
			t.ID = s.nextID
		} else {
			s.nextID = max(s.nextID, t.ID)
		}
		for _, other := range existing {
			if other != t.ID {
				b.Delete(docID(other))
			}
		}
		if err := b.Index(docID(t.ID), toDocument(t)); err != nil {
			return fmt.Errorf("bleve: index %d: %w", t.ID, err)
		}
		if t.Path != "" {
			batched[t.Path] = t.ID
		}
		t.State = track.Loaded
	}
	if err := s.index.Batch(b); err != nil {
		return fmt.Errorf("bleve: batch: %w", err)
	}
	s.logger.Debug().Str("tracks", strconv.Itoa(len(tracks))).Msg("bleve: upserted")
	return nil
}

func (s *Store) idsForPath(ctx context.Context, path string) ([]int64, error) {
	if path == "" {
		return nil, nil
	}
	q := bleve.NewTermQuery(path)
	q.SetField("path")
	found, err := s.searchLocked(ctx, q, 16)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(found))
	for i, t := range found {
		ids[i] = t.ID
	}
	return ids, nil
}

func (s *Store) Delete(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	present, err := s.Lookup(ctx, ids)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, track.ErrStoreClosed
	}
	b := s.index.NewBatch()
	seen := map[int64]struct{}{}
	for _, t := range present {
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		b.Delete(docID(t.ID))
	}
	if err := s.index.Batch(b); err != nil {
		return 0, fmt.Errorf("bleve: delete: %w", err)
	}
	return len(seen), nil
}

func (s *Store) Paths(context.Context) (map[int64]string, error) {
	return s.paths()
}

func (s *Store) paths() (map[int64]string, error) {
	n, err := s.Count(context.Background())
	if err != nil {
		return nil, err
	}
	out := make(map[int64]string, n)
	if n == 0 {
		return out, nil
	}
	found, err := s.search(context.Background(), bleve.NewMatchAllQuery(), n, "path")
	if err != nil {
		return nil, err
	}
	for _, t := range found {
		out[t.ID] = t.Path
	}
	return out, nil
}

func (s *Store) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, track.ErrStoreClosed
	}
	n, err := s.index.DocCount()
	if err != nil {
		return 0, fmt.Errorf("bleve: count: %w", err)
	}
	return int(n), nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.index.Close()
}

func (s *Store) search(ctx context.Context, q bleveQuery.Query, size int, fields ...string) ([]*track.Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, track.ErrStoreClosed
	}
	return s.searchLocked(ctx, q, size, fields...)
}

func (s *Store) searchLocked(ctx context.Context, q bleveQuery.Query, size int, fields ...string) ([]*track.Track, error) {
	req := bleve.NewSearchRequestOptions(q, size, 0, false)
	req.Fields = fields
	if len(fields) == 0 {
		req.Fields = []string{"path"}
	}
	res, err := s.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bleve: search: %w", err)
	}

	out := make([]*track.Track, 0, len(res.Hits))
	for _, hit := range res.Hits {
		id, err := strconv.ParseInt(hit.ID, 10, 64)
		if err != nil {
			s.logger.Warn().Str("doc", hit.ID).Err(err).Msg("bleve: foreign document id")
			continue
		}
		getStr := func(f string) string {
			v, _ := hit.Fields[f].(string)
			return v
		}
		getInt := func(f string) int {
			v, _ := hit.Fields[f].(float64)
			return int(v)
		}
		out = append(out, &track.Track{
			ID:          id,
			State:       track.Loaded,
			Title:       getStr("title"),
			Artist:      getStr("artist"),
			Album:       getStr("album"),
			Genre:       getStr("genre"),
			Path:        getStr("path"),
			TrackNumber: getInt("tracknumber"),
			DiscNumber:  getInt("discnumber"),
			Duration:    getInt("duration"),
		})
	}
	return out, nil
}

func toDocument(t *track.Track) document {
	return document{
		Title:       t.Title,
		Artist:      t.Artist,
		Album:       t.Album,
		Genre:       t.Genre,
		Path:        t.Path,
		TrackNumber: t.TrackNumber,
		DiscNumber:  t.DiscNumber,
		Duration:    t.Duration,
	}
}

func docID(id int64) string { return strconv.FormatInt(id, 10) }
