package indexstore

import (
	"context"
	"strings"
	"sync"
)

type memoryStore struct {
	mu     sync.RWMutex
	data   *skipList
	closed bool
}

// NewMemoryStore creates a Store held entirely in process memory. Apply is
// atomic with respect to readers.
func NewMemoryStore() Store {
	return &memoryStore{data: newSkipList()}
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	value, ok := s.data.get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *memoryStore) Apply(_ context.Context, mutations ...Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	for _, m := range mutations {
		switch m.Op {
		case OpPut:
			s.data.put(m.Key, append([]byte(nil), m.Value...))
		case OpDelete:
			s.data.remove(m.Key)
		}
	}
	return nil
}

func (s *memoryStore) Scan(_ context.Context, prefix, cursor string, limit int) (*ScanPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	page := &ScanPage{Done: true}
	it := s.data.seek(scanStart(prefix, cursor))
	for it.Next() {
		key := it.Key()
		if !strings.HasPrefix(key, prefix) {
			break
		}
		if cursor != "" && key <= cursor {
			continue
		}
		if limit > 0 && len(page.Keys) == limit {
			page.Done = false
			break
		}
		page.Keys = append(page.Keys, key)
	}

	if n := len(page.Keys); n > 0 {
		page.Cursor = page.Keys[n-1]
	}
	return page, nil
}

func (s *memoryStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Stats returns the number of keys and the bytes they occupy.
func (s *memoryStore) Stats() (keys, bytes int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.size, s.data.bytes
}
