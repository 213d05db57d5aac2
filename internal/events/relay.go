package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RelayFromRedis forwards every event published on auction:* channels to
// local. It blocks until ctx is done.
func RelayFromRedis(ctx context.Context, rdb *redis.Client, local Publisher) {
	sub := rdb.PSubscribe(ctx, Channel("*"))
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				slog.Warn("relay: undecodable event", "channel", msg.Channel, "err", err)
				continue
			}
			if err := local.Publish(ctx, e); err != nil {
				slog.Warn("relay: local publish failed", "type", e.Type, "err", err)
			}
		}
	}
}
