package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/worktime-compliance/internal/types"
)

// statusKeyPrefix namespaces cached suspension statuses
// Format: suspension-status:<user-id>
const statusKeyPrefix = "suspension-status:"

// StatusCache keeps recently read suspension statuses in Redis so the
// heartbeat guard does not hit Postgres on every request. Entries expire
// after the TTL and are dropped whenever the account status changes.
type StatusCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewStatusCache creates a new status cache
func NewStatusCache(client redis.Cmdable, ttl time.Duration) *StatusCache {
	return &StatusCache{
		client: client,
		ttl:    ttl,
	}
}

func statusKey(userID string) string {
	return statusKeyPrefix + userID
}

// GetStatus returns the cached status. A miss is not an error.
func (c *StatusCache) GetStatus(ctx context.Context, userID string) (*types.SuspensionStatus, bool, error) {
	data, err := c.client.Get(ctx, statusKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get status from cache: %w", err)
	}

	var status types.SuspensionStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cached status: %w", err)
	}
	return &status, true, nil
}

// SetStatus stores a status with the configured TTL
func (c *StatusCache) SetStatus(ctx context.Context, userID string, status *types.SuspensionStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := c.client.Set(ctx, statusKey(userID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache status: %w", err)
	}
	return nil
}

// Invalidate removes the cached statuses of the given users
func (c *StatusCache) Invalidate(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = statusKey(id)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to invalidate cached status: %w", err)
	}
	return nil
}
