package indexstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore implements Store on Redis. Physical keys live in a sorted set
// with a constant score so ZRANGEBYLEX yields them in byte order; values live
// in a hash.
type RedisStore struct {
	client    *redis.Client
	keysKey   string
	valuesKey string
	logger    *zap.Logger
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Namespace prefixes the two Redis keys the store uses.
	Namespace string
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(opts RedisOptions, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	namespace := opts.Namespace
	if namespace == "" {
		namespace = "kvpk"
	}

	return &RedisStore{
		client:    client,
		keysKey:   namespace + ":keys",
		valuesKey: namespace + ":values",
		logger:    logger,
	}, nil
}

// Get retrieves a value
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.HGet(ctx, s.valuesKey, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Apply writes all mutations in a MULTI/EXEC transaction
func (s *RedisStore) Apply(ctx context.Context, mutations ...Mutation) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range mutations {
			switch m.Op {
			case OpPut:
				pipe.ZAdd(ctx, s.keysKey, redis.Z{Score: 0, Member: m.Key})
				pipe.HSet(ctx, s.valuesKey, m.Key, m.Value)
			case OpDelete:
				pipe.ZRem(ctx, s.keysKey, m.Key)
				pipe.HDel(ctx, s.valuesKey, m.Key)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply mutations: %w", err)
	}
	return nil
}

// Scan pages through keys under prefix
func (s *RedisStore) Scan(ctx context.Context, prefix, cursor string, limit int) (*ScanPage, error) {
	min := "[" + prefix
	if cursor != "" && cursor >= prefix {
		min = "(" + cursor
	}

	max := "+"
	if upper := prefixUpperBound([]byte(prefix)); upper != nil {
		max = "(" + string(upper)
	}

	by := &redis.ZRangeBy{Min: min, Max: max}
	if limit > 0 {
		by.Count = int64(limit) + 1
	}

	found, err := s.client.ZRangeByLex(ctx, s.keysKey, by).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}

	return pageFromOverfetch(found, limit), nil
}

// Ping checks the Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
