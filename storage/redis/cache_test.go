package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/open-rails/subkit/entitlement"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewCache(rdb, "", 0)
}

func TestCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	if _, ok, err := c.Load(ctx); err != nil || ok {
		t.Fatalf("empty cache: ok=%v err=%v", ok, err)
	}

	exp := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	want := entitlement.NewCached(true, &exp)
	if err := c.Save(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, ok, err := c.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	if err := c.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Load(ctx); ok {
		t.Fatal("load after clear must miss")
	}
}

func TestCacheCorruptEntryReadsAsMiss(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := NewCache(rdb, "k", 0)

	if err := rdb.Set(ctx, "k", "{{{", 0).Err(); err != nil {
		t.Fatal(err)
	}
	_, ok, err := c.Load(ctx)
	if err != nil || ok {
		t.Fatalf("corrupt entry: ok=%v err=%v", ok, err)
	}
}
