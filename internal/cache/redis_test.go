package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisCache(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, ttl), mr
}

func TestRedis_GetPut(t *testing.T) {
	ctx := context.Background()
	c, _ := newRedisCache(t, time.Minute)

	if _, ok := c.Get(ctx, "a@x.com"); ok {
		t.Fatal("unexpected hit on empty cache")
	}
	c.Put(ctx, "a@x.com", 7)
	id, ok := c.Get(ctx, "a@x.com")
	if !ok || id != 7 {
		t.Fatalf("Get = (%d, %v), want (7, true)", id, ok)
	}
}

func TestRedis_EntriesExpire(t *testing.T) {
	ctx := context.Background()
	c, mr := newRedisCache(t, time.Minute)

	c.Put(ctx, "b@x.com", 2)
	mr.FastForward(2 * time.Minute)

	if _, ok := c.Get(ctx, "b@x.com"); ok {
		t.Fatal("entry should have expired")
	}
}

func TestRedis_CorruptValueIsMiss(t *testing.T) {
	ctx := context.Background()
	c, mr := newRedisCache(t, time.Minute)

	mr.Set(redisKeyPrefix+"weird", "not-a-number")
	if _, ok := c.Get(ctx, "weird"); ok {
		t.Fatal("corrupt value must read as a miss")
	}
}

func TestRedis_BackendDownIsMiss(t *testing.T) {
	ctx := context.Background()
	c, mr := newRedisCache(t, time.Minute)

	c.Put(ctx, "a", 1)
	mr.Close()

	if _, ok := c.Get(ctx, "a"); ok {
		t.Fatal("backend error must read as a miss")
	}
	// Put against a dead backend must not panic.
	c.Put(ctx, "b", 2)
}
