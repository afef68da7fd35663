// Package keylock serializes work per string key.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map hands out one mutex per key. Entries are dropped once no goroutine
// holds or waits for them.
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New creates an empty lock map.
func New() *Map {
	return &Map{locks: make(map[string]*entry)}
}

func (m *Map) acquire(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	return e
}

func (m *Map) release(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}

// Lock blocks until key is free and returns its unlock function.
func (m *Map) Lock(key string) (unlock func()) {
	e := m.acquire(key)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		m.release(key, e)
	}
}

// TryLock takes key only if nobody holds it.
func (m *Map) TryLock(key string) (unlock func(), ok bool) {
	e := m.acquire(key)
	if !e.mu.TryLock() {
		m.release(key, e)
		return nil, false
	}
	return func() {
		e.mu.Unlock()
		m.release(key, e)
	}, true
}

// Len returns the number of keys currently held or awaited.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
