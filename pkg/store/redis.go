package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis.
// It provides distributed session storage suitable for multi-node deployments.
type RedisStore struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all session keys (default: "agent:session:").
	Prefix string
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisStore creates a new Redis-backed store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "agent:session:"
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

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
	}, nil
}

// NewRedisStoreFromClient creates a Redis store from an existing client.
// This is useful for testing with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "agent:session:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) key(sessionID, key string) string {
	return s.prefix + sessionID + ":" + key
}

func (s *RedisStore) alarmKey(sessionID string) string {
	return s.prefix + sessionID + ":alarm"
}

func (s *RedisStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Get retrieves the value for a key within a session's namespace.
func (s *RedisStore) Get(ctx context.Context, sessionID, key string) ([]byte, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	data, err := s.client.Get(ctx, s.key(sessionID, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

// Put writes a value with no expiry.
func (s *RedisStore) Put(ctx context.Context, sessionID, key string, value []byte) error {
	return s.PutTTL(ctx, sessionID, key, value, 0)
}

// PutTTL writes a value that expires after ttl of inactivity.
func (s *RedisStore) PutTTL(ctx context.Context, sessionID, key string, value []byte, ttl time.Duration) error {
	if err := s.guard(); err != nil {
		return err
	}

	if err := s.client.Set(ctx, s.key(sessionID, key), value, ttl).Err(); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Delete removes a key.
func (s *RedisStore) Delete(ctx context.Context, sessionID, key string) error {
	if err := s.guard(); err != nil {
		return err
	}

	if err := s.client.Del(ctx, s.key(sessionID, key)).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// SetAlarm records the session's wake-up time, replacing any previous one.
// The time is stored as Unix milliseconds.
func (s *RedisStore) SetAlarm(ctx context.Context, sessionID string, at time.Time) error {
	if err := s.guard(); err != nil {
		return err
	}

	val := strconv.FormatInt(at.UnixMilli(), 10)
	if err := s.client.Set(ctx, s.alarmKey(sessionID), val, 0).Err(); err != nil {
		return fmt.Errorf("set alarm: %w", err)
	}
	return nil
}

// Alarm returns the session's pending wake-up time.
func (s *RedisStore) Alarm(ctx context.Context, sessionID string) (time.Time, error) {
	if err := s.guard(); err != nil {
		return time.Time{}, err
	}

	val, err := s.client.Get(ctx, s.alarmKey(sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("get alarm: %w", err)
	}

	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse alarm: %w", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// ClearAlarm removes the session's pending wake-up.
func (s *RedisStore) ClearAlarm(ctx context.Context, sessionID string) error {
	if err := s.guard(); err != nil {
		return err
	}

	if err := s.client.Del(ctx, s.alarmKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear alarm: %w", err)
	}
	return nil
}

// Close releases resources held by the store.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.client.Close()
}

// Ping checks if the Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.client.Ping(ctx).Err()
}
