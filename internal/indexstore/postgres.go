package indexstore

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// COLLATE "C" gives byte-wise ordering so ranges match the other backends.
const postgresSchema = `
	CREATE TABLE IF NOT EXISTS kv_index (
		pkey  TEXT COLLATE "C" PRIMARY KEY,
		value TEXT NOT NULL
	)
`

// PostgresStore implements Store on a single PostgreSQL table
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects to dsn and creates the index table if needed
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32, logger *zap.Logger) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create kv_index table: %w", err)
	}

	logger.Info("Connected to postgres index store",
		zap.String("database", config.ConnConfig.Database),
		zap.Int32("max_conns", config.MaxConns))

	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Get retrieves a value
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM kv_index WHERE pkey = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	return []byte(value), nil
}

// Apply runs all mutations in one transaction
func (s *PostgresStore) Apply(ctx context.Context, mutations ...Mutation) error {
	if len(mutations) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, m := range mutations {
		switch m.Op {
		case OpPut:
			batch.Queue(`
				INSERT INTO kv_index (pkey, value) VALUES ($1, $2)
				ON CONFLICT (pkey) DO UPDATE SET value = EXCLUDED.value
			`, m.Key, string(m.Value))
		case OpDelete:
			batch.Queue(`DELETE FROM kv_index WHERE pkey = $1`, m.Key)
		}
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to apply mutations: %w", err)
	}

	return tx.Commit(ctx)
}

// Scan pages through keys under prefix
func (s *PostgresStore) Scan(ctx context.Context, prefix, cursor string, limit int) (*ScanPage, error) {
	query := `SELECT pkey FROM kv_index WHERE pkey >= $1 AND pkey > $2`
	args := []any{prefix, cursor}

	if upper, ok := textUpperBound(prefix); ok {
		query += ` AND pkey < $3`
		args = append(args, upper)
	} else {
		query += ` AND starts_with(pkey, $3)`
		args = append(args, prefix)
	}
	query += ` ORDER BY pkey`
	if limit > 0 {
		// one extra row tells us whether another page exists
		query += fmt.Sprintf(` LIMIT %d`, limit+1)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}

	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}

	return pageFromOverfetch(found, limit), nil
}

// Ping checks the connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// textUpperBound returns the smallest valid UTF-8 string greater than every
// string starting with prefix. Incrementing the last rune (rather than the
// last byte) keeps the bound valid text for databases that reject malformed
// UTF-8.
func textUpperBound(prefix string) (string, bool) {
	runes := []rune(prefix)
	for i := len(runes) - 1; i >= 0; i-- {
		next := runes[i] + 1
		if next >= 0xD800 && next <= 0xDFFF {
			next = 0xE000
		}
		if next <= utf8.MaxRune {
			runes[i] = next
			return string(runes[:i+1]), true
		}
	}
	return "", false
}

// pageFromOverfetch builds a page from a query that asked for limit+1 rows.
func pageFromOverfetch(found []string, limit int) *ScanPage {
	page := &ScanPage{Keys: found, Done: true}
	if limit > 0 && len(found) > limit {
		page.Keys = found[:limit]
		page.Done = false
	}
	if n := len(page.Keys); n > 0 {
		page.Cursor = page.Keys[n-1]
	}
	return page
}
