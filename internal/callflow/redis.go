package callflow

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"outbound-voice/pkg/utils"
)

// Deduper remembers webhook deliveries that were already processed.
type Deduper interface {
	MarkOnce(ctx context.Context, key string) (bool, error)
}

// Limiter caps live calls per user.
type Limiter interface {
	Acquire(ctx context.Context, userID string) (bool, error)
	Release(ctx context.Context, userID string) error
}

// RedisDeduper marks delivery ids with SETNX.
type RedisDeduper struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisDeduper(rdb *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{rdb: rdb, ttl: ttl}
}

func (d *RedisDeduper) MarkOnce(ctx context.Context, key string) (bool, error) {
	return utils.MarkOnce(ctx, d.rdb, "webhook:seen:"+key, d.ttl)
}

// RedisLimiter is the per-user live call cap. The TTL outlives the longest call so
// a crashed process cannot pin a slot forever.
type RedisLimiter struct {
	rdb   *redis.Client
	limit int
	ttl   time.Duration
}

func NewRedisLimiter(rdb *redis.Client, limit int, ttl time.Duration) *RedisLimiter {
	if limit <= 0 {
		limit = 5
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RedisLimiter{rdb: rdb, limit: limit, ttl: ttl}
}

func capKey(userID string) string { return "calls:live:" + userID }

func (l *RedisLimiter) Acquire(ctx context.Context, userID string) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, l.rdb, capKey(userID), l.limit, l.ttl)
}

func (l *RedisLimiter) Release(ctx context.Context, userID string) error {
	return utils.ReleaseConcurrencyCap(ctx, l.rdb, capKey(userID))
}
