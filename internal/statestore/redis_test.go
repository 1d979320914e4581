package statestore

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	r := NewRedis(client, "test:", time.Hour)
	t.Cleanup(func() { r.Close() })
	return r, mr
}

func TestRedisSetGetDel(t *testing.T) {
	r, mr := newTestRedis(t)

	if _, ok, err := r.Get(ctx, "state:u:c"); ok || err != nil {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := r.Set(ctx, "state:u:c", "v1", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !mr.Exists("test:state:u:c") {
		t.Fatal("expected prefixed key in redis")
	}
	if ttl := mr.TTL("test:state:u:c"); ttl != time.Hour {
		t.Errorf("default ttl: got %v", ttl)
	}
	got, ok, err := r.Get(ctx, "state:u:c")
	if err != nil || !ok || got != "v1" {
		t.Fatalf("get: %q ok=%v err=%v", got, ok, err)
	}
	if err := r.Del(ctx, "state:u:c"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, ok, _ := r.Get(ctx, "state:u:c"); ok {
		t.Fatal("expected key to be deleted")
	}
}

func TestRedisExpiry(t *testing.T) {
	r, mr := newTestRedis(t)
	r.Set(ctx, "k", "v", time.Minute) //nolint:errcheck
	mr.FastForward(2 * time.Minute)
	if _, ok, _ := r.Get(ctx, "k"); ok {
		t.Fatal("expected key to expire")
	}
}

func TestRedisCompareAndSwap(t *testing.T) {
	r, _ := newTestRedis(t)

	ok, err := r.CompareAndSwap(ctx, "k", "", "v1", 0)
	if err != nil || !ok {
		t.Fatalf("swap on missing key: ok=%v err=%v", ok, err)
	}
	ok, err = r.CompareAndSwap(ctx, "k", "stale", "v2", 0)
	if err != nil || ok {
		t.Fatalf("stale swap: ok=%v err=%v", ok, err)
	}
	ok, err = r.CompareAndSwap(ctx, "k", "v1", "v2", 0)
	if err != nil || !ok {
		t.Fatalf("current swap: ok=%v err=%v", ok, err)
	}
	got, _, _ := r.Get(ctx, "k")
	if got != "v2" {
		t.Fatalf("got %q, want v2", got)
	}
}

func TestRedisGetError(t *testing.T) {
	r, mr := newTestRedis(t)
	mr.Close()
	if _, _, err := r.Get(ctx, "k"); err == nil {
		t.Fatal("expected error when server is down")
	}
}

func TestDialRedisBadURL(t *testing.T) {
	if _, err := DialRedis(ctx, "not-a-url", DefaultRedisPrefix, 0); err == nil {
		t.Fatal("expected parse error")
	}
}
