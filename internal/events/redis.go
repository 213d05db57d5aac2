package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes events on the Redis channel auction:<id> so
// every engine instance can relay them to its own WebSocket clients.
type RedisPublisher struct {
	rdb *redis.Client
}

// NewRedisPublisher creates a RedisPublisher.
func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", e.Type, err)
	}
	if err := p.rdb.Publish(ctx, Channel(e.AuctionID), data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", e.Type, err)
	}
	return nil
}

// Channel is the Redis pub/sub channel of an auction.
func Channel(auctionID string) string {
	return "auction:" + auctionID
}
