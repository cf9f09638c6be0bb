// Package track defines the track metadata object shared by stores, queries
// and the cached track list, together with the Store collaborator interface.
package track

import "fmt"

// MetadataState tells whether a Track carries real metadata.
type MetadataState int

const (
	// Loaded tracks carry metadata read from a store.
	Loaded MetadataState = iota
	// Loading is a placeholder returned while a fetch is in flight.
	Loading
	// Missing is a placeholder for an index or id with no metadata.
	Missing
)

func (s MetadataState) String() string {
	switch s {
	case Loaded:
		return "loaded"
	case Loading:
		return "loading"
	case Missing:
		return "missing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MissingID is the id carried by Missing placeholders for out of range indexes.
const MissingID int64 = -1

// Track is a single media file and its metadata.
type Track struct {
	ID          int64         `json:"id"`
	State       MetadataState `json:"state"`
	Title       string        `json:"title"`
	Artist      string        `json:"artist"`
	Album       string        `json:"album"`
	Genre       string        `json:"genre"`
	Path        string        `json:"path"`
	TrackNumber int           `json:"tracknumber"`
	DiscNumber  int           `json:"discnumber"`
	// Duration in seconds.
	Duration int `json:"duration"`
}

// NewMissing returns a placeholder for id. Use MissingID when there is no id.
func NewMissing(id int64) *Track {
	return &Track{ID: id, State: Missing}
}

// NewLoading returns a placeholder for a track whose metadata is being fetched.
func NewLoading(id int64) *Track {
	return &Track{ID: id, State: Loading}
}

// IsPlaceholder reports whether t carries no metadata.
func (t *Track) IsPlaceholder() bool {
	return t == nil || t.State != Loaded
}

func (t *Track) String() string {
	if t == nil {
		return "<nil>"
	}
	if t.State != Loaded {
		return fmt.Sprintf("#%d (%s)", t.ID, t.State)
	}
	return fmt.Sprintf("#%d %s - %s - %s", t.ID, t.Artist, t.Album, t.Title)
}
