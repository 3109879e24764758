// Package indexstore defines the ordered key-value store the KV engine keeps
// its forward and reverse indexes in, together with its backends.
package indexstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when a key is not present
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("store closed")

// OpType is the kind of a Mutation.
type OpType int

const (
	// OpPut writes Value under Key.
	OpPut OpType = iota
	// OpDelete removes Key. Deleting an absent key is not an error.
	OpDelete
)

// Mutation is a single physical write.
type Mutation struct {
	Op    OpType
	Key   string
	Value []byte
}

// Put returns a mutation writing value under key.
func Put(key string, value []byte) Mutation {
	return Mutation{Op: OpPut, Key: key, Value: value}
}

// Delete returns a mutation removing key.
func Delete(key string) Mutation {
	return Mutation{Op: OpDelete, Key: key}
}

// ScanPage is one page of a prefix scan.
type ScanPage struct {
	// Keys are the physical keys of the page in ascending byte order.
	Keys []string
	// Cursor continues the scan after this page. Opaque to callers.
	Cursor string
	// Done reports that no keys remain after this page.
	Done bool
}

// Store is an ordered key-value store over physical keys.
//
// All methods are safe for concurrent use.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Apply performs the mutations as one unit. Backends with transactions
	// or batches apply them atomically; the others apply them in order and
	// may expose a partially applied state to concurrent readers.
	Apply(ctx context.Context, mutations ...Mutation) error

	// Scan returns up to limit keys starting with prefix that sort strictly
	// after cursor. An empty cursor starts at the beginning of the prefix.
	Scan(ctx context.Context, prefix, cursor string, limit int) (*ScanPage, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil when no such key exists (prefix is all 0xff bytes or
// empty).
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// scanStart picks the first key to seek to for a prefix scan with a cursor.
func scanStart(prefix, cursor string) string {
	if cursor == "" || cursor < prefix {
		return prefix
	}
	return cursor
}
