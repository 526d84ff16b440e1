package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces session keys in a shared Redis.
const redisKeyPrefix = "agigate:session:"

// RedisConfig controls the Redis backend connection.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	TTL          time.Duration
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingTimeout  time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// RedisBackend stores sessions as Redis strings with an expiry.
type RedisBackend struct {
	rdb *redis.Client
	ttl time.Duration
}

// OpenRedis connects to Redis and validates connectivity with PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisBackend(rdb, cfg.TTL), nil
}

// NewRedisBackend wraps an existing client. A zero ttl keeps sessions forever.
func NewRedisBackend(rdb *redis.Client, ttl time.Duration) *RedisBackend {
	return &RedisBackend{rdb: rdb, ttl: ttl}
}

// Load implements Backend.
func (r *RedisBackend) Load(ctx context.Context, id string) ([]byte, error) {
	data, err := r.rdb.Get(ctx, redisKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Save implements Backend.
func (r *RedisBackend) Save(ctx context.Context, id string, data []byte) error {
	return r.rdb.Set(ctx, redisKeyPrefix+id, data, r.ttl).Err()
}

// Close closes the client.
func (r *RedisBackend) Close() error {
	return r.rdb.Close()
}
