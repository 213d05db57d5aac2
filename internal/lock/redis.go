package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockPrefix = "lock:"

	// releaseScript deletes the key only while it still holds our token.
	releaseScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
)

// RedisLocker is a Locker shared by every instance pointing at the same
// Redis. A lock expires after ttl if its holder dies without releasing.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLocker creates a RedisLocker. Acquisition polls every retry
// interval until the lock is free or the context ends.
func NewRedisLocker(client *redis.Client, ttl, retry time.Duration) *RedisLocker {
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}
	return &RedisLocker{client: client, ttl: ttl, retry: retry}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := lockPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}

	return func() {
		// Release on a fresh context so a cancelled request still frees the key.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		res, err := l.client.Eval(releaseCtx, releaseScript, []string{lockKey}, token).Int64()
		if err != nil {
			slog.Error("lock release failed", "key", key, "err", err)
			return
		}
		if res == 0 {
			slog.Warn("lock expired before release", "key", key)
		}
	}, nil
}
