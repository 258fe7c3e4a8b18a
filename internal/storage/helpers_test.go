package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/worktime-compliance/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// newTestMiniredis starts an in-memory Redis that is closed with the test
func newTestMiniredis(t *testing.T) *miniredis.Miniredis {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return mr
}

// newTestRedisClient returns a client for a fresh in-memory Redis, sized like
// the production client so lock and cache tests see the same timeouts.
func newTestRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := newTestMiniredis(t)
	client := redis.NewClient(redisOptions(testRedisConfig(mr)))
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func testRedisConfig(mr *miniredis.Miniredis) *config.RedisConfig {
	return &config.RedisConfig{
		Host:           mr.Host(),
		Port:           mr.Port(),
		MaxConnections: 4,
	}
}
