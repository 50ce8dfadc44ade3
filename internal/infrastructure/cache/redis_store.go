package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const warmScanBatchSize = 100

// Store is the warm-tier contract: a persistent key/value cache with
// per-entry TTLs, shared across process restarts.
type Store interface {
	// Get returns the raw value and whether the key was present
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores the value with a TTL
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes the key
	Delete(ctx context.Context, key string) error
	// Close releases the store's resources
	Close() error
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// RedisStore implements Store on Redis. Values are opaque bytes; the tiered
// cache above it owns serialization.
type RedisStore struct {
	client     *redis.Client
	ownsClient bool // true if we created the client and should close it
	keyPrefix  string
	logger     *zap.Logger
}

// RedisStoreOption is a functional option for configuring the store
type RedisStoreOption func(*RedisStore)

// WithStoreLogger sets the logger
func WithStoreLogger(logger *zap.Logger) RedisStoreOption {
	return func(s *RedisStore) {
		s.logger = logger
	}
}

// NewRedisStore creates a store with its own Redis client
func NewRedisStore(cfg RedisConfig, keyPrefix string, opts ...RedisStoreOption) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s := &RedisStore{
		client:     client,
		ownsClient: true,
		keyPrefix:  keyPrefix,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewRedisStoreWithClient creates a store around an existing client.
// The caller retains ownership of the client and is responsible for closing it.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		client:     client,
		ownsClient: false,
		keyPrefix:  keyPrefix,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) storeKey(key string) string {
	return s.keyPrefix + key
}

// Get retrieves a value; a Redis miss is (nil, false, nil), not an error
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.storeKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		s.logger.Error("warm tier read failed",
			zap.String("key", key),
			zap.Error(err))
		return nil, false, fmt.Errorf("failed to read warm tier: %w", err)
	}
	return data, true, nil
}

// Set stores a value with a TTL
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.storeKey(key), value, ttl).Err(); err != nil {
		s.logger.Error("warm tier write failed",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("failed to write warm tier: %w", err)
	}
	return nil
}

// Delete removes a key
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.storeKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete warm tier key: %w", err)
	}
	return nil
}

// InvalidatePrefix removes every key under the store's prefix, using SCAN to
// avoid blocking Redis with KEYS.
func (s *RedisStore) InvalidatePrefix(ctx context.Context) error {
	var cursor uint64
	var deleted int64

	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.keyPrefix+"*", warmScanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("failed to scan warm tier keys: %w", err)
		}
		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return fmt.Errorf("failed to delete warm tier keys: %w", err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	s.logger.Info("invalidated warm tier prefix",
		zap.String("prefix", s.keyPrefix),
		zap.Int64("deleted", deleted))
	return nil
}

// Ping verifies the Redis connection, for health reporting
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client when this store owns it
func (s *RedisStore) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
