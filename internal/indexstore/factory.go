package indexstore

import (
	"context"
	"fmt"

	"github.com/devrev/kvpk/internal/config"
	"go.uber.org/zap"
)

// New creates a Store based on cfg.Backend, wrapped in a value cache when
// cfg.CacheSize is positive.
//
// Supported backends:
//
//	"bolt"     - bbolt database file at cfg.Path (default)
//	"pebble"   - pebble database directory at cfg.Path
//	"sqlite"   - SQLite database file at cfg.Path
//	"postgres" - PostgreSQL at cfg.DSN
//	"redis"    - Redis at cfg.Redis.Addr
//	"memory"   - in-memory (ephemeral, for testing)
func New(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Store, error) {
	store, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("Index store opened",
		zap.String("backend", cfg.Backend),
		zap.Int("cache_size", cfg.CacheSize))

	if cfg.CacheSize <= 0 {
		return store, nil
	}

	cached, err := NewCachedStore(store, cfg.CacheSize)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return cached, nil
}

func newBackend(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case config.BackendBolt, "":
		return NewBoltStore(cfg.Path, cfg.OpenTimeout)
	case config.BackendPebble:
		return NewPebbleStore(cfg.Path, cfg.SyncWrites)
	case config.BackendSqlite:
		return NewSqliteStore(cfg.Path)
	case config.BackendPostgres:
		return NewPostgresStore(ctx, cfg.DSN, cfg.MaxConns, logger)
	case config.BackendRedis:
		return NewRedisStore(RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: cfg.Redis.Namespace,
		}, logger)
	case config.BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %q (supported: bolt, pebble, sqlite, postgres, redis, memory)", cfg.Backend)
	}
}
