package track

import (
	"cmp"
	"slices"
	"strings"
)

// Filter is a parsed search expression.
//
// Input is a comma separated list of terms. A leading '!' scopes a term to the
// genre, '@' to the artist, '#' to the album and '$' to the title. Bare terms
// match artist, album or title. Terms of the same kind are OR-ed together and
// the kinds are AND-ed. Matching is a case-insensitive substring match.
type Filter struct {
	Genres  []string
	Artists []string
	Albums  []string
	Titles  []string
	Any     []string
}

// ParseFilter parses input. An empty or blank input yields an empty filter
// that matches every track.
func ParseFilter(input string) Filter {
	var f Filter
	for _, word := range strings.Split(input, ",") {
		word = strings.TrimSpace(word)
		if word == "" {
			continue
		}
		switch word[0] {
		case '!':
			f.Genres = appendTerm(f.Genres, word[1:])
		case '@':
			f.Artists = appendTerm(f.Artists, word[1:])
		case '#':
			f.Albums = appendTerm(f.Albums, word[1:])
		case '$':
			f.Titles = appendTerm(f.Titles, word[1:])
		default:
			f.Any = appendTerm(f.Any, word)
		}
	}
	return f
}

func appendTerm(terms []string, t string) []string {
	t = strings.TrimSpace(t)
	if t == "" {
		return terms
	}
	return append(terms, t)
}

// Empty reports whether f has no terms.
func (f Filter) Empty() bool {
	return len(f.Genres)+len(f.Artists)+len(f.Albums)+len(f.Titles)+len(f.Any) == 0
}

// Match reports whether t satisfies f.
func (f Filter) Match(t *Track) bool {
	if t == nil {
		return false
	}
	if !anyContains(f.Genres, t.Genre) ||
		!anyContains(f.Artists, t.Artist) ||
		!anyContains(f.Albums, t.Album) ||
		!anyContains(f.Titles, t.Title) {
		return false
	}
	if len(f.Any) == 0 {
		return true
	}
	for _, term := range f.Any {
		if contains(t.Artist, term) || contains(t.Album, term) || contains(t.Title, term) {
			return true
		}
	}
	return false
}

// anyContains is true for an empty term list.
func anyContains(terms []string, field string) bool {
	if len(terms) == 0 {
		return true
	}
	for _, term := range terms {
		if contains(field, term) {
			return true
		}
	}
	return false
}

func contains(field, term string) bool {
	return strings.Contains(strings.ToLower(field), strings.ToLower(term))
}

// SortForListing orders tracks by artist, album, disc and track number, the
// order every store returns search results in. Ties keep ascending ids.
func SortForListing(tracks []*Track) {
	slices.SortStableFunc(tracks, func(a, b *Track) int {
		return cmp.Or(
			cmp.Compare(a.Artist, b.Artist),
			cmp.Compare(a.Album, b.Album),
			cmp.Compare(a.DiscNumber, b.DiscNumber),
			cmp.Compare(a.TrackNumber, b.TrackNumber),
			cmp.Compare(a.ID, b.ID),
		)
	})
}
