package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Expired entries are dropped lazily on
// read, and swept when the store is full.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	maxEntries int
	closed     bool
	now        func() time.Time
}

// NewMemoryStore creates a MemoryStore holding at most maxEntries entries.
// A non-positive maxEntries means unbounded.
func NewMemoryStore(maxEntries int) *MemoryStore {
	return &MemoryStore{
		entries:    make(map[string]*Entry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns a copy of the entry for key, or nil if absent or past StaleUntil.
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	if !e.Usable(s.now()) {
		delete(s.entries, key)
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

// Set stores a copy of e under key, replacing any previous entry.
func (s *MemoryStore) Set(_ context.Context, key string, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, exists := s.entries[key]; !exists && s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
		s.evictLocked()
	}
	cp := *e
	s.entries[key] = &cp
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close releases the entries. Further calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = nil
	return nil
}

// evictLocked drops expired entries, then the entry closest to expiry if
// that did not free a slot.
func (s *MemoryStore) evictLocked() {
	now := s.now()
	for k, e := range s.entries {
		if !e.Usable(now) {
			delete(s.entries, k)
		}
	}
	if len(s.entries) < s.maxEntries {
		return
	}

	var victim string
	var soonest time.Time
	for k, e := range s.entries {
		if victim == "" || e.StaleUntil.Before(soonest) {
			victim, soonest = k, e.StaleUntil
		}
	}
	delete(s.entries, victim)
}
