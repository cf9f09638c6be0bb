package bus

import "weak"

// listener is a broadcast receiver held without keeping it alive. key is the
// weak.Pointer itself; two weak pointers made from the same object compare equal.
type listener struct {
	key   any
	value func() Target
}

// RegisterForBroadcasts adds l to the set of broadcast receivers. The bus only
// holds a weak reference: once l becomes unreachable it stops receiving
// broadcasts and is pruned after the next broadcast pass.
func RegisterForBroadcasts[T any, P interface {
	*T
	Target
}](b *Bus, l P) {
	if l == nil {
		return
	}
	wp := weak.Make((*T)(l))
	entry := listener{
		key: wp,
		value: func() Target {
			if p := wp.Value(); p != nil {
				return P(p)
			}
			return nil
		},
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.listeners {
		if existing.key == entry.key {
			return
		}
	}
	b.listeners = append(b.listeners, entry)
}

// UnregisterForBroadcasts removes l from the broadcast receivers.
func UnregisterForBroadcasts[T any, P interface {
	*T
	Target
}](b *Bus, l P) {
	if l == nil {
		return
	}
	var key any = weak.Make((*T)(l))

	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.listeners {
		if existing.key == key {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

// pruneListeners drops receivers that have been garbage collected.
func (b *Bus) pruneListeners() {
	b.mu.Lock()
	defer b.mu.Unlock()
	alive := b.listeners[:0]
	for _, l := range b.listeners {
		if l.value() != nil {
			alive = append(alive, l)
		}
	}
	for i := len(alive); i < len(b.listeners); i++ {
		b.listeners[i] = listener{}
	}
	b.listeners = alive
}

// Listeners returns the number of registered broadcast receivers, including
// collected ones that have not been pruned yet.
func (b *Bus) Listeners() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}
