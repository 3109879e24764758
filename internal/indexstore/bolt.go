package indexstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"
)

var defaultBoltBucket = []byte("kvpk")

type boltStore struct {
	db     *bolt.DB
	bucket []byte
}

// NewBoltStore opens (creating if needed) a bbolt database at path. Each
// Apply runs in a single read-write transaction.
func NewBoltStore(path string, openTimeout time.Duration) (Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create bolt directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(defaultBoltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bolt bucket: %w", err)
	}

	return &boltStore{db: db, bucket: defaultBoltBucket}, nil
}

func (s *boltStore) Get(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(s.bucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// bolt memory is only valid inside the transaction
		value = slices.Clone(v)
		return nil
	})
	if err != nil {
		return nil, s.wrap(err)
	}
	return value, nil
}

func (s *boltStore) Apply(_ context.Context, mutations ...Mutation) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		for _, m := range mutations {
			var err error
			switch m.Op {
			case OpPut:
				err = bucket.Put([]byte(m.Key), m.Value)
			case OpDelete:
				err = bucket.Delete([]byte(m.Key))
			}
			if err != nil {
				return fmt.Errorf("apply %q: %w", m.Key, err)
			}
		}
		return nil
	})
	return s.wrap(err)
}

func (s *boltStore) Scan(_ context.Context, prefix, cursor string, limit int) (*ScanPage, error) {
	page := &ScanPage{Done: true}

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(s.bucket).Cursor()
		prefixBytes := []byte(prefix)
		cursorBytes := []byte(cursor)

		for k, _ := c.Seek([]byte(scanStart(prefix, cursor))); k != nil; k, _ = c.Next() {
			if !bytes.HasPrefix(k, prefixBytes) {
				break
			}
			// strictly after the cursor
			if len(cursorBytes) > 0 && bytes.Compare(k, cursorBytes) <= 0 {
				continue
			}
			if limit > 0 && len(page.Keys) == limit {
				page.Done = false
				break
			}
			page.Keys = append(page.Keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, s.wrap(err)
	}

	if n := len(page.Keys); n > 0 {
		page.Cursor = page.Keys[n-1]
	}
	return page, nil
}

func (s *boltStore) Ping(context.Context) error {
	return s.wrap(s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(s.bucket) == nil {
			return fmt.Errorf("bucket %q missing", s.bucket)
		}
		return nil
	}))
}

func (s *boltStore) Close() error {
	return s.db.Close()
}

func (s *boltStore) wrap(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}
