package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newCacheForTest(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewRedisCache(mr.Addr())
	if err != nil {
		t.Fatalf("redis cache: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisCacheConfigValidation(t *testing.T) {
	t.Parallel()
	if _, err := NewRedisCacheWithConfig(nil); err == nil {
		t.Fatal("nil config accepted")
	}
	if _, err := NewRedisCacheWithConfig(&RedisConfig{}); err == nil {
		t.Fatal("empty addr accepted")
	}
	if _, err := NewRedisCacheWithClient(nil); err == nil {
		t.Fatal("nil client accepted")
	}
}

func TestRedisCacheBasicOps(t *testing.T) {
	t.Parallel()
	_, c := newCacheForTest(t)
	ctx := context.Background()

	if err := c.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil || got != "v" {
		t.Fatalf("get = %q, %v", got, err)
	}

	// Missing keys read as empty, not as an error. Repository code relies
	// on this to treat a cache miss as a plain fallthrough.
	got, err = c.Get(ctx, "missing")
	if err != nil || got != "" {
		t.Fatalf("missing key = %q, %v", got, err)
	}

	n, err := c.Exists(ctx, "k", "missing")
	if err != nil || n != 1 {
		t.Fatalf("exists = %d, %v", n, err)
	}
	if err := c.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if n, _ = c.Exists(ctx, "k"); n != 0 {
		t.Fatal("key survived delete")
	}

	// Zero-argument variants are no-ops.
	if err := c.Del(ctx); err != nil {
		t.Fatalf("empty del: %v", err)
	}
	if n, err = c.Exists(ctx); err != nil || n != 0 {
		t.Fatalf("empty exists = %d, %v", n, err)
	}
}

func TestRedisCacheSetNX(t *testing.T) {
	t.Parallel()
	_, c := newCacheForTest(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "once", "first", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first setnx = %v, %v", ok, err)
	}
	ok, err = c.SetNX(ctx, "once", "second", time.Minute)
	if err != nil || ok {
		t.Fatalf("second setnx = %v, %v", ok, err)
	}
	if got, _ := c.Get(ctx, "once"); got != "first" {
		t.Fatalf("losing setnx overwrote value: %q", got)
	}
}

func TestRedisCacheExpiry(t *testing.T) {
	t.Parallel()
	mr, c := newCacheForTest(t)
	ctx := context.Background()

	if err := c.Set(ctx, "short", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	ttl, err := c.TTL(ctx, "short")
	if err != nil || ttl <= 0 {
		t.Fatalf("ttl = %v, %v", ttl, err)
	}
	if ttl, _ = c.TTL(ctx, "missing"); ttl >= 0 {
		t.Fatalf("missing key ttl = %v", ttl)
	}

	if err := c.Expire(ctx, "short", time.Second); err != nil {
		t.Fatalf("expire: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if got, _ := c.Get(ctx, "short"); got != "" {
		t.Fatalf("key survived its ttl: %q", got)
	}
}

func TestRedisCacheCounters(t *testing.T) {
	t.Parallel()
	_, c := newCacheForTest(t)
	ctx := context.Background()

	if n, err := c.Incr(ctx, "n"); err != nil || n != 1 {
		t.Fatalf("incr = %d, %v", n, err)
	}
	if n, err := c.IncrBy(ctx, "n", 5); err != nil || n != 6 {
		t.Fatalf("incrby = %d, %v", n, err)
	}
	if n, err := c.Decr(ctx, "n"); err != nil || n != 5 {
		t.Fatalf("decr = %d, %v", n, err)
	}
}

func TestRedisCacheSortedSet(t *testing.T) {
	t.Parallel()
	_, c := newCacheForTest(t)
	ctx := context.Background()

	for i, member := range []string{"a", "b", "c"} {
		if err := c.ZAdd(ctx, "set", float64(i+1), member); err != nil {
			t.Fatalf("zadd %s: %v", member, err)
		}
	}
	if n, err := c.ZCard(ctx, "set"); err != nil || n != 3 {
		t.Fatalf("zcard = %d, %v", n, err)
	}

	removed, err := c.ZRemRangeByScore(ctx, "set", 0, 2)
	if err != nil || removed != 2 {
		t.Fatalf("zremrangebyscore = %d, %v", removed, err)
	}
	if n, _ := c.ZCard(ctx, "set"); n != 1 {
		t.Fatalf("%d members left", n)
	}
}

func TestRedisCacheLock(t *testing.T) {
	t.Parallel()
	mr, c := newCacheForTest(t)
	ctx := context.Background()

	ok, err := c.TryLock(ctx, "lock", time.Minute)
	if err != nil || !ok {
		t.Fatalf("trylock = %v, %v", ok, err)
	}
	if ok, _ = c.TryLock(ctx, "lock", time.Minute); ok {
		t.Fatal("held lock acquired twice")
	}

	if err := c.ExtendLock(ctx, "lock", time.Hour); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if ttl := mr.TTL("lock"); ttl <= time.Minute {
		t.Fatalf("extend did not lengthen ttl: %v", ttl)
	}

	if err := c.Unlock(ctx, "lock"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if ok, _ = c.TryLock(ctx, "lock", time.Minute); !ok {
		t.Fatal("released lock not reacquirable")
	}
}

func TestRedisCachePipeline(t *testing.T) {
	t.Parallel()
	_, c := newCacheForTest(t)
	ctx := context.Background()

	err := c.Pipeline(ctx, func(pipe Pipeliner) error {
		if err := pipe.Set("a", "1", 0); err != nil {
			return err
		}
		if err := pipe.Incr("hits"); err != nil {
			return err
		}
		return pipe.Expire("a", time.Minute)
	})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if got, _ := c.Get(ctx, "a"); got != "1" {
		t.Fatalf("pipelined set lost: %q", got)
	}
	if got, _ := c.Get(ctx, "hits"); got != "1" {
		t.Fatalf("pipelined incr lost: %q", got)
	}

	// A callback error abandons the batch before Exec.
	sentinel := errors.New("abort")
	err = c.Pipeline(ctx, func(pipe Pipeliner) error {
		_ = pipe.Set("b", "1", 0)
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("pipeline error = %v", err)
	}
	if got, _ := c.Get(ctx, "b"); got != "" {
		t.Fatalf("abandoned pipeline executed: %q", got)
	}

	if err := c.Pipeline(ctx, nil); err != nil {
		t.Fatalf("nil pipeline fn: %v", err)
	}
}

func TestNewRedisCacheFromURL(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	mr.RequireAuth("sesame")

	c, err := NewRedisCacheFromURL("valkey://:sesame@"+mr.Addr(), "")
	if err != nil {
		t.Fatalf("url with embedded password: %v", err)
	}
	_ = c.Close()

	// An explicit password wins over the one in the URL.
	c, err = NewRedisCacheFromURL("redis://:wrong@"+mr.Addr(), "sesame")
	if err != nil {
		t.Fatalf("password override: %v", err)
	}
	_ = c.Close()

	if _, err = NewRedisCacheFromURL("redis://:wrong@"+mr.Addr(), ""); err == nil {
		t.Fatal("wrong password accepted")
	}

	if _, err = NewRedisCacheFromURL("://bad", ""); err == nil {
		t.Fatal("malformed url accepted")
	}
}

func TestNormalizeRedisURL(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want string
	}{
		{"valkey://localhost:6379", "redis://localhost:6379"},
		{"valkey://:pw@host:6379/2", "redis://:pw@host:6379/2"},
		{"redis://localhost:6379", "redis://localhost:6379"},
		{"rediss://localhost:6379", "rediss://localhost:6379"},
	}
	for _, tc := range cases {
		if got := normalizeRedisURL(tc.in); got != tc.want {
			t.Fatalf("normalize %q = %q, want %q", tc.in, got, tc.want)
		}
	}
}
