package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if it is still held by the same run.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock TTL only for the owning run.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// StoreLock guarantees at most one active sync per store across instances.
type StoreLock struct {
	rdb *redis.Client
}

// NewStoreLock creates a Redis-backed store lock.
func NewStoreLock(client *Client) *StoreLock {
	return &StoreLock{rdb: client.rdb}
}

// Acquire attempts to take the lock for storeID on behalf of runID.
func (l *StoreLock) Acquire(ctx context.Context, storeID, runID string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, lockKey(storeID), runID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// Refresh extends the TTL of a lock held by runID.
func (l *StoreLock) Refresh(ctx context.Context, storeID, runID string, ttl time.Duration) error {
	res, err := refreshScript.Run(ctx, l.rdb, []string{lockKey(storeID)}, runID, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh lock failed: %w", err)
	}
	if res == 0 {
		return fmt.Errorf("lock for store %s no longer held by run %s", storeID, runID)
	}
	return nil
}

// Release releases a lock held by runID.
func (l *StoreLock) Release(ctx context.Context, storeID, runID string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{lockKey(storeID)}, runID).Err(); err != nil {
		return fmt.Errorf("release lock failed: %w", err)
	}
	return nil
}
