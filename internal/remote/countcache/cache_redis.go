package countcache

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"punchsync/internal/punch"
)

const redisKeyPrefix = "punchsync:count:"

// Redis is the shared cache for deployments running several engine replicas
// against one appliance; a count observed by one replica short-circuits the
// others. Redis TTL handles both validity and garbage collection.
type Redis struct {
	client   *redis.Client
	validity time.Duration
	logger   *slog.Logger
}

func NewRedis(client *redis.Client, validity time.Duration, logger *slog.Logger) *Redis {
	if validity <= 0 {
		validity = DefaultValidity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, validity: validity, logger: logger}
}

// Get treats any Redis failure as a miss; the caller falls back to one remote
// count call, which is the behavior a cold cache gives anyway.
func (r *Redis) Get(ctx context.Context, label string, w punch.Window) (int, bool) {
	val, err := r.client.Get(ctx, redisKeyPrefix+key(label, w)).Result()
	if err != nil {
		if err != redis.Nil {
			r.logger.WarnContext(ctx, "count cache read failed", "error", err)
		}
		return 0, false
	}
	count, err := strconv.Atoi(val)
	if err != nil {
		return 0, false
	}
	return count, true
}

func (r *Redis) Put(ctx context.Context, label string, w punch.Window, count int) {
	if err := r.client.Set(ctx, redisKeyPrefix+key(label, w), strconv.Itoa(count), r.validity).Err(); err != nil {
		r.logger.WarnContext(ctx, "count cache write failed", "error", err)
	}
}
