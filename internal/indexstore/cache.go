package indexstore

import (
	"context"
	"fmt"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedStore serves Get from an LRU cache in front of another Store.
//
// Writes hold mu exclusively while they reach the inner store and invalidate
// the cache, and misses hold it shared while they fill, so a miss can never
// cache a value older than a completed write.
type CachedStore struct {
	Store

	mu    sync.RWMutex
	cache *lru.Cache[string, []byte]

	hits   func()
	misses func()
}

// NewCachedStore wraps inner with a cache of up to size values.
func NewCachedStore(inner Store, size int) (*CachedStore, error) {
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("create value cache: %w", err)
	}
	return &CachedStore{Store: inner, cache: cache, hits: func() {}, misses: func() {}}, nil
}

// OnLookup registers callbacks counting cache hits and misses.
func (s *CachedStore) OnLookup(hit, miss func()) {
	if hit != nil {
		s.hits = hit
	}
	if miss != nil {
		s.misses = miss
	}
}

func (s *CachedStore) Get(ctx context.Context, key string) ([]byte, error) {
	if value, ok := s.cache.Get(key); ok {
		s.hits()
		return slices.Clone(value), nil
	}
	s.misses()

	s.mu.RLock()
	defer s.mu.RUnlock()

	value, err := s.Store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, slices.Clone(value))
	return value, nil
}

func (s *CachedStore) Apply(ctx context.Context, mutations ...Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.Store.Apply(ctx, mutations...)
	// Invalidate even on failure: a partial apply may have landed.
	for _, m := range mutations {
		s.cache.Remove(m.Key)
	}
	return err
}

// Len returns the number of cached values.
func (s *CachedStore) Len() int {
	return s.cache.Len()
}

// Unwrap returns the inner store.
func (s *CachedStore) Unwrap() Store {
	return s.Store
}
