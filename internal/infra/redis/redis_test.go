package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/catalogsync/internal/core/domain"
)

// unreachable returns a client pointing at a closed port with retries disabled.
func unreachable(t *testing.T) *Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromRedis(rdb)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "catalogsync:progress:run-1", progressChannel("run-1"))
	assert.Equal(t, "catalogsync:status:run-1", statusKey("run-1"))
	assert.Equal(t, "catalogsync:lock:shop-1", lockKey("shop-1"))
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(Config{URL: "http://not-redis"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse redis URL")
}

func TestNewProgressBroadcaster_DefaultTTL(t *testing.T) {
	b := NewProgressBroadcaster(unreachable(t), 0)
	assert.Equal(t, 24*time.Hour, b.statusTTL)

	b = NewProgressBroadcaster(unreachable(t), time.Minute)
	assert.Equal(t, time.Minute, b.statusTTL)
}

func TestProgressMessage_JSON(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := json.Marshal(ProgressMessage{
		RunID:       "run-1",
		Progress:    domain.Progress{State: domain.RunCancelled, Processed: 3, Total: 10, ErrorCount: 1},
		PublishedAt: at,
	})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "run-1", got["runId"])
	assert.Equal(t, "cancelled", got["status"])
	assert.EqualValues(t, 3, got["processed"])
	assert.EqualValues(t, 10, got["total"])
	assert.EqualValues(t, 1, got["errorCount"])
	assert.Equal(t, "2026-03-01T12:00:00Z", got["publishedAt"])
}

func TestUnreachableServerReturnsErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client := unreachable(t)
	assert.Error(t, client.Ping(ctx))

	b := NewProgressBroadcaster(client, time.Minute)
	assert.Error(t, b.Publish(ctx, "run-1", domain.Progress{Processed: 1, Total: 2}))

	msg, err := b.Latest(ctx, "run-1")
	assert.Error(t, err)
	assert.Nil(t, msg)

	lock := NewStoreLock(client)
	ok, err := lock.Acquire(ctx, "shop-1", "run-1", time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Error(t, lock.Release(ctx, "shop-1", "run-1"))
}
