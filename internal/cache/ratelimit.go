package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window counter shared by every instance.
type RateLimiter struct {
	client   redis.Cmdable
	keyspace Keyspace
	limit    int
	window   time.Duration
}

func NewRateLimiter(client redis.Cmdable, keyspace Keyspace, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, keyspace: keyspace, limit: limit, window: window}
}

// Allow counts a hit for key and reports whether it is within the limit.
func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}

	windowKey := l.keyspace.Key("ratelimit", fmt.Sprintf("%s:%d", key, time.Now().UnixNano()/int64(l.window)))

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, windowKey)
		pipe.Expire(ctx, windowKey, l.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}

	return incr.Val() <= int64(l.limit), nil
}

// AllowAll is used when no shared store is configured.
type AllowAll struct{}

func (AllowAll) Allow(context.Context, string) (bool, error) { return true, nil }
