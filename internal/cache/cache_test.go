package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Cache = (*Memory)(nil)
	_ Cache = (*Redis)(nil)
)

func TestMemoryExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemory().WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "rate:KES", "130", 5*time.Minute))
	v, ok, err := c.Get(ctx, "rate:KES")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "130", v)

	now = now.Add(5 * time.Minute)
	_, ok, _ = c.Get(ctx, "rate:KES")
	assert.False(t, ok)
}

func TestMemorySetNXOncePerInterval(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemory().WithClock(func() time.Time { return now })
	ctx := context.Background()

	first, _ := c.SetNX(ctx, "alert:low", "1", time.Hour)
	second, _ := c.SetNX(ctx, "alert:low", "1", time.Hour)
	assert.True(t, first)
	assert.False(t, second)

	now = now.Add(time.Hour)
	third, _ := c.SetNX(ctx, "alert:low", "1", time.Hour)
	assert.True(t, third)
}

func TestMemorySetNXConcurrent(t *testing.T) {
	c := NewMemory()
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := c.SetNX(context.Background(), "k", "v", time.Minute); ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestRedisKeyPrefix(t *testing.T) {
	r := NewRedisFromClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "settlement:")
	defer r.Close()
	assert.Equal(t, "settlement:rate:KES", r.key("rate:KES"))
}

func TestNewRedisRejectsBadURL(t *testing.T) {
	_, err := NewRedis(context.Background(), "://bad", "")
	assert.Error(t, err)
}
