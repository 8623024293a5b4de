// Package state provides the narrow keyed store that backs all shared
// cross-request maps: the embedding cache, per-lead conversation patterns,
// per-lead behavior profiles, and rate-limit windows. Behavioral state is
// process-local; the interface is the seam for sharing it across instances
// through an external cache later.
package state

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Store is a bounded, concurrency-safe keyed store. Update runs a merge
// function under the store lock so two messages from the same lead arriving
// close together cannot lose updates.
type Store[V any] struct {
	mu    sync.Mutex
	cache *lru.Cache[string, V]
}

// New creates a Store holding at most size entries, oldest evicted first.
func New[V any](size int) (*Store[V], error) {
	cache, err := lru.New[string, V](size)
	if err != nil {
		return nil, err
	}
	return &Store[V]{cache: cache}, nil
}

// MustNew is New for static sizes that cannot fail at runtime.
func MustNew[V any](size int) *Store[V] {
	s, err := New[V](size)
	if err != nil {
		panic(err)
	}
	return s
}

// Get returns the value for key if present.
func (s *Store[V]) Get(key string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Get(key)
}

// Set stores a value for key, replacing any existing value.
func (s *Store[V]) Set(key string, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(key, value)
}

// Update applies merge to the current value (zero value if absent) and stores
// the result. The whole read-modify-write runs under the store lock. For
// pointer values, merge must not mutate current in place: stored values are
// immutable snapshots, and merge returns a fresh copy, so pointers handed out
// by Get or a previous Update are never written again.
func (s *Store[V]) Update(key string, merge func(current V, found bool) V) V {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, found := s.cache.Get(key)
	next := merge(current, found)
	s.cache.Add(key, next)
	return next
}

// Len returns the number of stored entries.
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}
