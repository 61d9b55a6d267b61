// Package keylock serializes work per key.
//
// Callers holding different keys proceed concurrently; callers holding the
// same key run one at a time. Entries are reference counted and removed when
// the last holder releases, so the map does not grow with the key space.
package keylock

import (
	"fmt"
	"sync"
)

// Map is a set of mutexes addressed by key. The zero value is not usable; use New.
type Map[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func New[K comparable]() *Map[K] {
	return &Map[K]{entries: make(map[K]*entry)}
}

// Lock blocks until key is free and returns the release func.
// The release func must be called exactly once.
func (m *Map[K]) Lock(key K) (unlock func()) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() { m.release(key, e) })
	}
}

func (m *Map[K]) release(key K, e *entry) {
	m.mu.Lock()
	cur, ok := m.entries[key]
	if !ok || cur != e {
		m.mu.Unlock()
		panic(fmt.Errorf("keylock: release for key=%v without matching entry", key))
	}
	e.refs--
	if e.refs < 1 {
		delete(m.entries, key)
	}
	m.mu.Unlock()

	e.mu.Unlock()
}

// Held reports whether key is currently locked or awaited.
func (m *Map[K]) Held(key K) bool {
	m.mu.Lock()
	_, ok := m.entries[key]
	m.mu.Unlock()
	return ok
}

// Len returns the number of keys with holders or waiters.
func (m *Map[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
