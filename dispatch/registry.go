package dispatch

import (
	"errors"
	"slices"
	"sync"
)

// TransportFactory constructs transports from a config blob.
type TransportFactory func(cfg map[string]any) (Transport, error)

var (
	transportRegistryMu sync.RWMutex
	transportRegistry   = map[string]TransportFactory{}
)

// RegisterTransport registers a transport adapter. Adapters call it from init.
func RegisterTransport(name string, factory TransportFactory) error {
	if name == "" {
		return errors.New("transport name must not be empty")
	}
	if factory == nil {
		return errors.New("transport factory must not be nil")
	}
	transportRegistryMu.Lock()
	transportRegistry[name] = factory
	transportRegistryMu.Unlock()
	return nil
}

// NewTransport constructs a transport by name with config.
func NewTransport(name string, cfg map[string]any) (Transport, error) {
	transportRegistryMu.RLock()
	f, ok := transportRegistry[name]
	transportRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownTransport{name: name}
	}
	return f(cfg)
}

// Transports lists the registered transport names, sorted.
func Transports() []string {
	transportRegistryMu.RLock()
	defer transportRegistryMu.RUnlock()
	names := make([]string, 0, len(transportRegistry))
	for n := range transportRegistry {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
