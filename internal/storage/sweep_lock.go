package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KeyPrefixJobLock namespaces scheduler job locks in Redis
const KeyPrefixJobLock = "worktime:joblock:"

// releaseScript deletes the lock only if it is still held by the caller's token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// SweepLock is a Redis-backed mutual exclusion lock for scheduled jobs.
// It keeps two server processes from running the same sweep concurrently.
type SweepLock struct {
	redis redis.Cmdable
}

// NewSweepLock creates a new sweep lock
func NewSweepLock(client redis.Cmdable) *SweepLock {
	return &SweepLock{redis: client}
}

// TryAcquire attempts to take the named lock for ttl. When the lock is held
// elsewhere it returns ok=false and a nil error. The returned release func
// is safe to call after the TTL expired.
func (l *SweepLock) TryAcquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error) {
	key := KeyPrefixJobLock + name
	token := uuid.NewString()

	ok, err = l.redis.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}

	release = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		// a lock that fails to release still expires with its TTL
		_ = releaseScript.Run(ctx, l.redis, []string{key}, token).Err()
	}
	return release, true, nil
}

// Holder returns the token currently holding the named lock, or "" when free
func (l *SweepLock) Holder(ctx context.Context, name string) (string, error) {
	token, err := l.redis.Get(ctx, KeyPrefixJobLock+name).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return token, err
}
