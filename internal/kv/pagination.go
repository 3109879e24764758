package kv

import (
	"context"
	"fmt"

	"github.com/devrev/kvpk/internal/indexstore"
)

// drainScan pages through every physical key under prefix and returns them
// in store order. It always drains the scan completely; callers apply their
// own limits afterwards so that tombstone filtering cannot shorten a result
// that the store could still fill.
func drainScan(ctx context.Context, store indexstore.Store, prefix string, pageSize int) ([]string, error) {
	var (
		all    []string
		cursor string
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := store.Scan(ctx, prefix, cursor, pageSize)
		if err != nil {
			return nil, fmt.Errorf("scan %q: %w", prefix, err)
		}

		all = append(all, page.Keys...)
		if page.Done {
			return all, nil
		}
		if len(page.Keys) == 0 || page.Cursor == cursor {
			// a store that reports more pages must move the cursor
			return nil, fmt.Errorf("scan %q: cursor did not advance", prefix)
		}
		cursor = page.Cursor
	}
}
