package query

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Factory rebuilds a query from the payload produced by its SerializeQuery.
type Factory func(c Codec, payload []byte) (Query, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a query type constructible by name on the executing side.
// Query packages call it from init.
func Register(name string, factory Factory) error {
	if name == "" {
		return errors.New("query name must not be empty")
	}
	if factory == nil {
		return errors.New("query factory must not be nil")
	}
	registryMu.Lock()
	registry[name] = factory
	registryMu.Unlock()
	return nil
}

// New rebuilds the query registered as name from payload. The rebuilt query
// uses c for its own serialization.
func New(name string, c Codec, payload []byte) (Query, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQuery, name)
	}
	if c == nil {
		c = JSONCodec{}
	}
	q, err := f(c, payload)
	if err != nil {
		return nil, fmt.Errorf("query %q: decode: %w", name, err)
	}
	q.SetCodec(c)
	return q, nil
}

// Names lists the registered query names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
