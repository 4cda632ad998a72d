package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/catalogsync/internal/core/domain"
)

// ProgressMessage is the payload published for each progress update.
type ProgressMessage struct {
	RunID string `json:"runId"`
	domain.Progress
	PublishedAt time.Time `json:"publishedAt"`
}

// ProgressBroadcaster publishes run progress on a per-run channel and keeps
// the latest value under a status key so late subscribers can catch up.
type ProgressBroadcaster struct {
	rdb       *redis.Client
	statusTTL time.Duration
}

// NewProgressBroadcaster creates a Redis-backed broadcaster.
func NewProgressBroadcaster(client *Client, statusTTL time.Duration) *ProgressBroadcaster {
	if statusTTL <= 0 {
		statusTTL = 24 * time.Hour
	}
	return &ProgressBroadcaster{rdb: client.rdb, statusTTL: statusTTL}
}

// Publish sends one progress update.
func (b *ProgressBroadcaster) Publish(ctx context.Context, runID string, p domain.Progress) error {
	data, err := json.Marshal(ProgressMessage{RunID: runID, Progress: p, PublishedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}

	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, statusKey(runID), data, b.statusTTL)
	pipe.Publish(ctx, progressChannel(runID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish progress: %w", err)
	}
	return nil
}

// Latest returns the last published progress for a run.
func (b *ProgressBroadcaster) Latest(ctx context.Context, runID string) (*ProgressMessage, error) {
	data, err := b.rdb.Get(ctx, statusKey(runID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get progress: %w", err)
	}

	var msg ProgressMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress: %w", err)
	}
	return &msg, nil
}

// Subscribe streams progress updates for a run until ctx is done.
func (b *ProgressBroadcaster) Subscribe(ctx context.Context, runID string) (<-chan ProgressMessage, error) {
	sub := b.rdb.Subscribe(ctx, progressChannel(runID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan ProgressMessage, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var msg ProgressMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
