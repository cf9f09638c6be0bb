package query

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownQuery is returned by New for a name nobody registered.
	ErrUnknownQuery = errors.New("query: unknown query")
	// ErrQueryPanic wraps a panic recovered while running a query.
	ErrQueryPanic = errors.New("query: panic recovered")
	// ErrInvalidated is the failure reason of invalidated queries.
	ErrInvalidated = errors.New("query: invalidated")
)

// ErrUnknownCodec is returned by NewCodec for an unregistered codec name.
type ErrUnknownCodec struct{ name string }

func (e ErrUnknownCodec) Error() string { return fmt.Sprintf("codec %q not registered", e.name) }
