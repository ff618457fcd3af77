package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisWindowSlides(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := newFakeClock()
	w := NewRedisWindow(rdb, "test:window", Config{MaxRequests: 2, Window: time.Second}, clock)
	ctx := context.Background()

	assert.True(t, w.CheckLimit(ctx))
	clock.Advance(10 * time.Millisecond)
	assert.True(t, w.CheckLimit(ctx))
	clock.Advance(10 * time.Millisecond)
	assert.False(t, w.CheckLimit(ctx))

	n, err := rdb.ZCard(ctx, "test:window").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n, "rejected call must not be recorded")

	clock.Advance(time.Second)
	assert.True(t, w.CheckLimit(ctx))
}

func TestRedisWindowSharedAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := newFakeClock()
	cfg := Config{MaxRequests: 1, Window: time.Minute}
	a := NewRedisWindow(rdb, "shared", cfg, clock)
	b := NewRedisWindow(rdb, "shared", cfg, clock)

	assert.True(t, a.CheckLimit(context.Background()))
	assert.False(t, b.CheckLimit(context.Background()))
}

func TestRedisWindowFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	w := NewRedisWindow(rdb, "down", Config{MaxRequests: 1, Window: time.Minute}, nil)
	assert.True(t, w.CheckLimit(context.Background()))
	assert.True(t, w.CheckLimit(context.Background()))
}
