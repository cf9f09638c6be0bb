// Package indexer fills a track.Store from a directory of audio files.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dhowden/tag"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xtrack/track"
)

// DefaultExtensions are the file types the indexer reads tags from.
var DefaultExtensions = []string{".mp3", ".m4a", ".ogg", ".oga", ".flac"}

const DefaultBatchSize = 500

// Placeholders for tags a file does not carry.
const (
	UnknownArtist = "unknown artist"
	UnknownAlbum  = "unknown album"
	UnknownGenre  = "unknown genre"
)

// Indexer scans directory trees and upserts the tracks it finds.
type Indexer struct {
	store      track.Store
	logger     *xlog.Logger
	workers    int
	batchSize  int
	extensions []string
}

type Option func(*Indexer)

func WithLogger(l *xlog.Logger) Option {
	return func(ix *Indexer) {
		if l != nil {
			ix.logger = l
		}
	}
}

// WithWorkers sets how many files are parsed at once (default: NumCPU).
func WithWorkers(n int) Option {
	return func(ix *Indexer) {
		if n > 0 {
			ix.workers = n
		}
	}
}

// WithBatchSize sets how many tracks go into one Upsert.
func WithBatchSize(n int) Option {
	return func(ix *Indexer) {
		if n > 0 {
			ix.batchSize = n
		}
	}
}

// WithExtensions replaces DefaultExtensions. Matching is case-insensitive.
func WithExtensions(exts ...string) Option {
	return func(ix *Indexer) {
		ix.extensions = ix.extensions[:0]
		for _, e := range exts {
			ix.extensions = append(ix.extensions, strings.ToLower(e))
		}
	}
}

func New(store track.Store, opts ...Option) *Indexer {
	ix := &Indexer{
		store:      store,
		logger:     xlog.Default(),
		workers:    runtime.NumCPU(),
		batchSize:  DefaultBatchSize,
		extensions: slices.Clone(DefaultExtensions),
	}
	for _, o := range opts {
		if o != nil {
			o(ix)
		}
	}
	return ix
}

// Result summarizes one run.
type Result struct {
	// Scanned counts audio files found under the root.
	Scanned int
	// Indexed counts tracks written to the store.
	Indexed int
	// Skipped counts audio files whose tags could not be read.
	Skipped int
	Elapsed time.Duration
}

// Index reads every audio file under root and upserts its metadata. Tracks
// already stored for a path keep their id.
func (ix *Indexer) Index(ctx context.Context, root string) (Result, error) {
	return ix.run(ctx, root, time.Time{})
}

// Freshen indexes only files modified after since.
func (ix *Indexer) Freshen(ctx context.Context, root string, since time.Time) (Result, error) {
	return ix.run(ctx, root, since)
}

func (ix *Indexer) run(ctx context.Context, root string, since time.Time) (Result, error) {
	start := time.Now()
	if _, err := os.Stat(root); err != nil {
		return Result{}, fmt.Errorf("indexer: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var scanned, skipped atomic.Int64
	files := make(chan string, 100)
	parsed := make(chan *track.Track, 100)

	// Discovery
	walkErr := make(chan error, 1)
	go func() {
		defer close(files)
		walkErr <- filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				ix.logger.Debug().Err(err).Str("path", path).Msg("indexer: walk error")
				return nil
			}
			if d.IsDir() || !ix.wanted(path) {
				return nil
			}
			if !since.IsZero() {
				info, err := d.Info()
				if err != nil || !info.ModTime().After(since) {
					return nil
				}
			}
			scanned.Add(1)
			select {
			case files <- path:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	// Workers
	var wg sync.WaitGroup
	for i := 0; i < ix.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range files {
				t, err := ParseFile(path)
				if err != nil {
					skipped.Add(1)
					ix.logger.Debug().Err(err).Str("path", path).Msg("indexer: unreadable tags")
					continue
				}
				select {
				case parsed <- t:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(parsed)
	}()

	// Writer
	var res Result
	var writeErr error
	batch := make([]*track.Track, 0, ix.batchSize)
	flush := func() {
		if len(batch) == 0 || writeErr != nil {
			return
		}
		if err := ix.store.Upsert(ctx, batch); err != nil {
			writeErr = fmt.Errorf("indexer: upsert: %w", err)
			cancel()
			return
		}
		res.Indexed += len(batch)
		batch = make([]*track.Track, 0, ix.batchSize)
	}
	for t := range parsed {
		batch = append(batch, t)
		if len(batch) >= ix.batchSize {
			flush()
		}
	}
	flush()

	err := <-walkErr
	res.Scanned = int(scanned.Load())
	res.Skipped = int(skipped.Load())
	res.Elapsed = time.Since(start)

	switch {
	case writeErr != nil:
		return res, writeErr
	case err != nil:
		return res, fmt.Errorf("indexer: walk: %w", err)
	}

	ix.logger.Info().
		Str("root", root).
		Str("indexed", fmt.Sprint(res.Indexed)).
		Str("skipped", fmt.Sprint(res.Skipped)).
		Dur("elapsed", res.Elapsed).
		Msg("indexer: done")
	return res, nil
}

// Prune deletes stored tracks whose files no longer exist and returns how
// many were removed.
func (ix *Indexer) Prune(ctx context.Context) (int, error) {
	paths, err := ix.store.Paths(ctx)
	if err != nil {
		return 0, fmt.Errorf("indexer: paths: %w", err)
	}

	var gone []int64
	for id, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			gone = append(gone, id)
		}
	}
	if len(gone) == 0 {
		return 0, nil
	}
	slices.Sort(gone)

	n, err := ix.store.Delete(ctx, gone)
	if err != nil {
		return 0, fmt.Errorf("indexer: delete: %w", err)
	}
	ix.logger.Info().Str("pruned", fmt.Sprint(n)).Msg("indexer: pruned vanished files")
	return n, nil
}

func (ix *Indexer) wanted(path string) bool {
	return slices.Contains(ix.extensions, strings.ToLower(filepath.Ext(path)))
}

// ParseFile reads the tags of one audio file. Missing fields fall back to
// the file name for the title and to the Unknown* placeholders otherwise;
// the album artist wins over the track artist.
func ParseFile(path string) (*track.Track, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	number, _ := m.Track()
	disc, _ := m.Disc()

	artist := m.Artist()
	if albumArtist := m.AlbumArtist(); albumArtist != "" {
		artist = albumArtist
	}
	title := m.Title()
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return &track.Track{
		State:       track.Loaded,
		Title:       title,
		Artist:      orDefault(artist, UnknownArtist),
		Album:       orDefault(m.Album(), UnknownAlbum),
		Genre:       orDefault(m.Genre(), UnknownGenre),
		Path:        path,
		TrackNumber: number,
		DiscNumber:  disc,
	}, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
