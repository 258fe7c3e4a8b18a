package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/worktime-compliance/internal/config"
)

const (
	// redisClientName shows up in CLIENT LIST on the server
	redisClientName = "worktime-compliance"

	// healthKey is rewritten by every readiness check. A replica answers PING
	// but refuses the write, and job locks need a writable primary.
	healthKey    = "worktime:health"
	healthKeyTTL = time.Minute

	redisHealthTimeout = time.Second
)

// RedisCache holds the Redis client shared by the status cache and the job locks
type RedisCache struct {
	client *redis.Client
}

// redisOptions sizes the client for the heartbeat path. Status lookups fall
// back to Postgres on error, so reads give up quickly instead of queueing.
// Lock writes are retried once at most.
func redisOptions(cfg *config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		ClientName:   redisClientName,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MinIdleConns: 2,
		MaxRetries:   1,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		PoolTimeout:  time.Second,
	}
}

// NewRedisCache connects to Redis and fails unless the server accepts writes
func NewRedisCache(cfg *config.RedisConfig) (*RedisCache, error) {
	r := &RedisCache{client: redis.NewClient(redisOptions(cfg))}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.Ping(ctx); err != nil {
		_ = r.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return r, nil
}

// Close closes the Redis connection
func (r *RedisCache) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client
func (r *RedisCache) Client() *redis.Client {
	return r.client
}

// Ping reports whether Redis is reachable and writable, within
// redisHealthTimeout regardless of the caller's deadline.
func (r *RedisCache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, redisHealthTimeout)
	defer cancel()

	if err := r.client.Set(ctx, healthKey, time.Now().Unix(), healthKeyTTL).Err(); err != nil {
		return fmt.Errorf("redis not writable: %w", err)
	}
	return nil
}
