package indexstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/cockroachdb/pebble"
)

// PebbleStore is a Store backed by a pebble LSM database.
type PebbleStore struct {
	// mu keeps Close from racing in-flight operations; pebble panics on use
	// after close.
	mu     sync.RWMutex
	db     *pebble.DB
	sync   bool
	closed bool
}

// NewPebbleStore opens (creating if needed) a pebble database in dir. Each
// Apply commits one batch. When syncWrites is set batches are fsynced.
func NewPebbleStore(dir string, syncWrites bool) (*PebbleStore, error) {
	opts := &pebble.Options{}
	opts.EnsureDefaults()

	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble database %s: %w", dir, err)
	}

	return &PebbleStore{db: db, sync: syncWrites}, nil
}

// DB exposes the underlying database for metrics collection.
func (s *PebbleStore) DB() *pebble.DB {
	return s.db
}

func (s *PebbleStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	value, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	return slices.Clone(value), nil
}

func (s *PebbleStore) Apply(_ context.Context, mutations ...Mutation) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, m := range mutations {
		var err error
		switch m.Op {
		case OpPut:
			err = batch.Set([]byte(m.Key), m.Value, nil)
		case OpDelete:
			err = batch.Delete([]byte(m.Key), nil)
		}
		if err != nil {
			return fmt.Errorf("batch %q: %w", m.Key, err)
		}
	}

	writeOpts := pebble.NoSync
	if s.sync {
		writeOpts = pebble.Sync
	}
	return batch.Commit(writeOpts)
}

func (s *PebbleStore) Scan(_ context.Context, prefix, cursor string, limit int) (*ScanPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound([]byte(prefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	page := &ScanPage{Done: true}
	for valid := iter.SeekGE([]byte(scanStart(prefix, cursor))); valid; valid = iter.Next() {
		key := string(iter.Key())
		if cursor != "" && key <= cursor {
			continue
		}
		if limit > 0 && len(page.Keys) == limit {
			page.Done = false
			break
		}
		page.Keys = append(page.Keys, key)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	if n := len(page.Keys); n > 0 {
		page.Cursor = page.Keys[n-1]
	}
	return page, nil
}

func (s *PebbleStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
