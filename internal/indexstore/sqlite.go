package indexstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SqliteStore stores both indexes in a single SQLite table.
//
// Table:
//
//	kv_index(pkey, value)  PRIMARY KEY (pkey)
//
// TEXT columns use the BINARY collation, so pkey orders byte-wise.
type SqliteStore struct {
	db *sql.DB
}

func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv_index (
		pkey TEXT NOT NULL PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, err
	}
	return &SqliteStore{db: db}, nil
}

func (s *SqliteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv_index WHERE pkey = ?", key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(raw), nil
}

func (s *SqliteStore) Apply(ctx context.Context, mutations ...Mutation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	for _, m := range mutations {
		switch m.Op {
		case OpPut:
			_, err = tx.ExecContext(ctx,
				`INSERT INTO kv_index (pkey, value) VALUES (?, ?)
				 ON CONFLICT(pkey) DO UPDATE SET value = excluded.value`,
				m.Key, string(m.Value),
			)
		case OpDelete:
			_, err = tx.ExecContext(ctx, "DELETE FROM kv_index WHERE pkey = ?", m.Key)
		}
		if err != nil {
			return fmt.Errorf("apply %q: %w", m.Key, err)
		}
	}

	return tx.Commit()
}

func (s *SqliteStore) Scan(ctx context.Context, prefix, cursor string, limit int) (*ScanPage, error) {
	query := "SELECT pkey FROM kv_index WHERE pkey >= ? AND pkey > ?"
	args := []any{prefix, cursor}

	if upper, ok := textUpperBound(prefix); ok {
		query += " AND pkey < ?"
		args = append(args, upper)
	} else {
		query += " AND substr(pkey, 1, length(?)) = ?"
		args = append(args, prefix, prefix)
	}
	query += " ORDER BY pkey"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit+1)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var found []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		found = append(found, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return pageFromOverfetch(found, limit), nil
}

func (s *SqliteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}
