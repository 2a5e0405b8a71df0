package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window is a fixed-window counter in Redis shared by every server instance.
// Redis errors fail open so an outage never blocks users.
type Window struct {
	redis  *redis.Client
	prefix string
	limit  int
	window time.Duration
}

func NewWindow(client *redis.Client, prefix string, limit int, window time.Duration) *Window {
	return &Window{
		redis:  client,
		prefix: prefix,
		limit:  limit,
		window: window,
	}
}

func (w *Window) key(id string) string {
	return fmt.Sprintf("ratelimit:%s:%s", w.prefix, id)
}

func (w *Window) Allow(ctx context.Context, id string) error {
	if w == nil || w.redis == nil || w.limit <= 0 {
		return nil
	}

	key := w.key(id)
	count, err := w.redis.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[RateLimit] Redis incr failed for %s: %v (allowing)", key, err)
		return nil
	}
	if count == 1 {
		if err := w.redis.Expire(ctx, key, w.window).Err(); err != nil {
			log.Printf("[RateLimit] Redis expire failed for %s: %v", key, err)
		}
	}
	if int(count) > w.limit {
		return ErrRateLimited
	}
	return nil
}
