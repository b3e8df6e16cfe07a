package callparams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "crelay:call:"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all entries (default: "crelay:call:").
	Prefix string
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// RedisStore is a Store backed by Redis, suitable for running several
// relay nodes behind one gateway: the node that originates a call and
// the node that receives its websocket need not be the same.
type RedisStore struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{client: client, prefix: prefix}, nil
}

// NewRedisStoreFromClient creates a store from an existing client.
// This is useful for testing with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(callSID string) string {
	return s.prefix + callSID
}

// Put stashes params under callSID, replacing any earlier entry.
func (s *RedisStore) Put(ctx context.Context, callSID string, params Params, ttl time.Duration) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(callSID), data, ttl).Err(); err != nil {
		return fmt.Errorf("put params: %w", err)
	}
	return nil
}

// Take retrieves and removes the entry for callSID. GETDEL makes the
// consume-once guarantee hold across nodes sharing the store.
func (s *RedisStore) Take(ctx context.Context, callSID string) (Params, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return Params{}, ErrStoreClosed
	}
	s.mu.RUnlock()

	data, err := s.client.GetDel(ctx, s.key(callSID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Params{}, ErrNotFound
		}
		return Params{}, fmt.Errorf("take params: %w", err)
	}

	var params Params
	if err := json.Unmarshal(data, &params); err != nil {
		return Params{}, fmt.Errorf("unmarshal params: %w", err)
	}
	return params, nil
}

// Ping verifies the connection. Health checks call this.
func (s *RedisStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
