//go:build cgo

// Package sqlite is a track.Store backed by a SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xtrack/track"
)

var _ track.Store = (*Store)(nil)

// lookupChunk keeps IN lists under SQLite's host parameter limit.
const lookupChunk = 500

const schema = `CREATE TABLE IF NOT EXISTS tracks(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL DEFAULT '',
	artist TEXT NOT NULL DEFAULT '',
	album TEXT NOT NULL DEFAULT '',
	genre TEXT NOT NULL DEFAULT '',
	tracknumber INTEGER NOT NULL DEFAULT 0,
	discnumber INTEGER NOT NULL DEFAULT 0,
	duration INTEGER NOT NULL DEFAULT 0,
	path TEXT UNIQUE
);
CREATE INDEX IF NOT EXISTS tracks_listing ON tracks(artist, album, discnumber, tracknumber);`

const columns = "id, title, artist, album, genre, tracknumber, discnumber, duration, path"

// Store keeps tracks in a single table.
type Store struct {
	db     *sql.DB
	logger *xlog.Logger
	closed atomic.Bool
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

// Open opens (creating if needed) the database at path. ":memory:" opens a
// private in-memory database.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if path == ":memory:" {
		// Every connection would get its own database otherwise.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: schema: %w", err)
	}

	s := &Store{db: db, logger: xlog.Default()}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s, nil
}

func (s *Store) Lookup(ctx context.Context, ids []int64) ([]*track.Track, error) {
	if s.closed.Load() {
		return nil, track.ErrStoreClosed
	}
	found := make(map[int64]*track.Track, len(ids))
	for start := 0; start < len(ids); start += lookupChunk {
		chunk := ids[start:min(start+lookupChunk, len(ids))]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		q := "SELECT " + columns + " FROM tracks WHERE id IN (" + placeholders(len(chunk)) + ")"
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("sqlite: lookup: %w", err)
		}
		tracks, err := scanTracks(rows)
		if err != nil {
			return nil, err
		}
		for _, t := range tracks {
			found[t.ID] = t
		}
	}

	out := make([]*track.Track, 0, len(ids))
	for _, id := range ids {
		if t, ok := found[id]; ok {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) Search(ctx context.Context, filter string, limit int) ([]int64, error) {
	if s.closed.Load() {
		return nil, track.ErrStoreClosed
	}
	where, args := whereClause(track.ParseFilter(filter))
	q := "SELECT id FROM tracks" + where + " ORDER BY artist, album, discnumber, tracknumber, id"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: search: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: search: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// whereClause renders f with the same OR-within, AND-across semantics as
// track.Filter.Match. LIKE is case-insensitive for ASCII.
func whereClause(f track.Filter) (string, []any) {
	var parts []string
	var args []any
	add := func(terms []string, cols ...string) {
		if len(terms) == 0 {
			return
		}
		var sub []string
		for _, term := range terms {
			var ors []string
			for _, c := range cols {
				ors = append(ors, c+" LIKE ?")
				args = append(args, "%"+term+"%")
			}
			sub = append(sub, "("+strings.Join(ors, " OR ")+")")
		}
		parts = append(parts, "("+strings.Join(sub, " OR ")+")")
	}
	add(f.Genres, "genre")
	add(f.Artists, "artist")
	add(f.Albums, "album")
	add(f.Titles, "title")
	add(f.Any, "artist", "album", "title")

	if len(parts) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

// Upsert writes tracks in one transaction. A track without id takes over the
// id already stored for its path.
func (s *Store) Upsert(ctx context.Context, tracks []*track.Track) (err error) {
	if s.closed.Load() {
		return track.ErrStoreClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: upsert: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	byPath, err := tx.PrepareContext(ctx, "SELECT id FROM tracks WHERE path = ?")
	if err != nil {
		return fmt.Errorf("sqlite: upsert: %w", err)
	}
	defer byPath.Close()
	evict, err := tx.PrepareContext(ctx, "DELETE FROM tracks WHERE path = ? AND id <> ?")
	if err != nil {
		return fmt.Errorf("sqlite: upsert: %w", err)
	}
	defer evict.Close()
	insert, err := tx.PrepareContext(ctx, `INSERT INTO tracks (title, artist, album, genre, tracknumber, discnumber, duration, path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: upsert: %w", err)
	}
	defer insert.Close()
	replace, err := tx.PrepareContext(ctx, `INSERT INTO tracks (id, title, artist, album, genre, tracknumber, discnumber, duration, path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title=excluded.title, artist=excluded.artist, album=excluded.album,
			genre=excluded.genre, tracknumber=excluded.tracknumber, discnumber=excluded.discnumber,
			duration=excluded.duration, path=excluded.path`)
	if err != nil {
		return fmt.Errorf("sqlite: upsert: %w", err)
	}
	defer replace.Close()

	for _, t := range tracks {
		if t == nil {
			continue
		}
		path := nullable(t.Path)
		if t.ID == 0 && t.Path != "" {
			var id int64
			switch err := byPath.QueryRowContext(ctx, t.Path).Scan(&id); {
			case err == nil:
				t.ID = id
			case !errors.Is(err, sql.ErrNoRows):
				return fmt.Errorf("sqlite: upsert %s: %w", t.Path, err)
			}
		}

		if t.ID == 0 {
			res, err := insert.ExecContext(ctx, t.Title, t.Artist, t.Album, t.Genre, t.TrackNumber, t.DiscNumber, t.Duration, path)
			if err != nil {
				return fmt.Errorf("sqlite: upsert %s: %w", t.Path, err)
			}
			if t.ID, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("sqlite: upsert %s: %w", t.Path, err)
			}
			t.State = track.Loaded
			continue
		}

		if t.Path != "" {
			if _, err := evict.ExecContext(ctx, t.Path, t.ID); err != nil {
				return fmt.Errorf("sqlite: upsert %s: %w", t.Path, err)
			}
		}
		if _, err := replace.ExecContext(ctx, t.ID, t.Title, t.Artist, t.Album, t.Genre, t.TrackNumber, t.DiscNumber, t.Duration, path); err != nil {
			return fmt.Errorf("sqlite: upsert %d: %w", t.ID, err)
		}
		t.State = track.Loaded
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: upsert: commit: %w", err)
	}
	s.logger.Debug().Str("tracks", fmt.Sprint(len(tracks))).Msg("sqlite: upserted")
	return nil
}

func (s *Store) Delete(ctx context.Context, ids []int64) (int, error) {
	if s.closed.Load() {
		return 0, track.ErrStoreClosed
	}
	removed := 0
	for start := 0; start < len(ids); start += lookupChunk {
		chunk := ids[start:min(start+lookupChunk, len(ids))]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		res, err := s.db.ExecContext(ctx, "DELETE FROM tracks WHERE id IN ("+placeholders(len(chunk))+")", args...)
		if err != nil {
			return removed, fmt.Errorf("sqlite: delete: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += int(n)
	}
	return removed, nil
}

func (s *Store) Paths(ctx context.Context) (map[int64]string, error) {
	if s.closed.Load() {
		return nil, track.ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, "SELECT id, path FROM tracks")
	if err != nil {
		return nil, fmt.Errorf("sqlite: paths: %w", err)
	}
	defer rows.Close()

	out := map[int64]string{}
	for rows.Next() {
		var id int64
		var path sql.NullString
		if err := rows.Scan(&id, &path); err != nil {
			return nil, fmt.Errorf("sqlite: paths: %w", err)
		}
		out[id] = path.String
	}
	return out, rows.Err()
}

func (s *Store) Count(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, track.ErrStoreClosed
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tracks").Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count: %w", err)
	}
	return n, nil
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func scanTracks(rows *sql.Rows) ([]*track.Track, error) {
	defer rows.Close()
	var out []*track.Track
	for rows.Next() {
		t := &track.Track{State: track.Loaded}
		var path sql.NullString
		if err := rows.Scan(&t.ID, &t.Title, &t.Artist, &t.Album, &t.Genre, &t.TrackNumber, &t.DiscNumber, &t.Duration, &path); err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}
		t.Path = path.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
