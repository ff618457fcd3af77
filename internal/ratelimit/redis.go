package ratelimit

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisWindow keeps the sliding window in a sorted set so several relay
// processes share one budget. Read-then-add is not atomic, so concurrent
// callers can overshoot MaxRequests slightly.
type RedisWindow struct {
	rdb   redis.Cmdable
	key   string
	cfg   Config
	clock Clock
}

func NewRedisWindow(rdb redis.Cmdable, key string, cfg Config, clock Clock) *RedisWindow {
	if clock == nil {
		clock = SystemClock
	}
	if key == "" {
		key = "ratelimit:model"
	}
	return &RedisWindow{rdb: rdb, key: key, cfg: cfg.normalized(), clock: clock}
}

func (w *RedisWindow) CheckLimit(ctx context.Context) bool {
	now := w.clock.Now()
	nowMs := now.UnixMilli()
	cutoff := nowMs - w.cfg.Window.Milliseconds()

	if err := w.rdb.ZRemRangeByScore(ctx, w.key, "-inf", strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return w.failOpen(ctx, err)
	}
	n, err := w.rdb.ZCard(ctx, w.key).Result()
	if err != nil {
		return w.failOpen(ctx, err)
	}
	if n >= int64(w.cfg.MaxRequests) {
		return false
	}

	pipe := w.rdb.TxPipeline()
	pipe.ZAdd(ctx, w.key, redis.Z{Score: float64(nowMs), Member: uuid.NewString()})
	pipe.PExpire(ctx, w.key, w.cfg.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return w.failOpen(ctx, err)
	}
	return true
}

func (w *RedisWindow) failOpen(ctx context.Context, err error) bool {
	zerolog.Ctx(ctx).Warn().Err(err).Str("key", w.key).Msg("rate limiter unavailable, admitting request")
	return true
}
