//go:build !cgo

package sqlite

import (
	"errors"

	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xtrack/track"
)

// ErrUnavailable is returned by Open in builds without cgo.
var ErrUnavailable = errors.New("sqlite: backend not available in non-cgo builds; rebuild with CGO_ENABLED=1 or use the bleve store")

// Store is unavailable without cgo.
type Store struct{ track.Store }

type Option func(*Store)

func WithLogger(*xlog.Logger) Option { return func(*Store) {} }

func Open(string, ...Option) (*Store, error) { return nil, ErrUnavailable }
