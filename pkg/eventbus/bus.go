// Package eventbus models the in-page custom-event bus that MAIN-world
// scripts and content scripts share across the isolated-world boundary.
package eventbus

import (
	"sync"
)

// Listener receives the detail payload of a dispatched event.
type Listener func(detail []byte)

type entry struct {
	id int
	fn Listener
}

// Bus is a synchronous named-event bus. Dispatch calls listeners in
// registration order on the caller's goroutine, like a DOM dispatchEvent.
type Bus struct {
	mu        sync.Mutex
	next      int
	listeners map[string][]entry
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[string][]entry)}
}

// AddListener subscribes fn to name and returns its remover.
func (b *Bus) AddListener(name string, fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	b.listeners[name] = append(b.listeners[name], entry{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.listeners[name]
		for i, e := range list {
			if e.id == id {
				b.listeners[name] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(b.listeners[name]) == 0 {
			delete(b.listeners, name)
		}
	}
}

// Dispatch delivers detail to every listener of name and returns how many
// were called.
func (b *Bus) Dispatch(name string, detail []byte) int {
	b.mu.Lock()
	list := make([]entry, len(b.listeners[name]))
	copy(list, b.listeners[name])
	b.mu.Unlock()

	for _, e := range list {
		e.fn(detail)
	}
	return len(list)
}

// ListenerCount returns the number of listeners on name.
func (b *Bus) ListenerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[name])
}
