package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedisClientFromClient(rdb, time.Second), mr
}

func TestIncrWindowSetsTTLOnFirstIncrement(t *testing.T) {
	rc, mr := newTestRedis(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, err := rc.IncrWindow(ctx, "rl:t:s:id:0", 30*time.Second)
		if err != nil {
			t.Fatalf("IncrWindow: %v", err)
		}
		if n != i {
			t.Fatalf("expected count %d, got %d", i, n)
		}
	}

	if ttl := mr.TTL("rl:t:s:id:0"); ttl <= 0 || ttl > 30*time.Second {
		t.Fatalf("expected ttl within window, got %s", ttl)
	}

	mr.FastForward(31 * time.Second)
	if mr.Exists("rl:t:s:id:0") {
		t.Fatalf("counter should expire with its window")
	}
}

func TestIncrWindowRepairsMissingTTL(t *testing.T) {
	rc, mr := newTestRedis(t)
	ctx := context.Background()

	if err := mr.Set("rl:stale", "4"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	n, err := rc.IncrWindow(ctx, "rl:stale", 10*time.Second)
	if err != nil {
		t.Fatalf("IncrWindow: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5, got %d", n)
	}
	if mr.TTL("rl:stale") <= 0 {
		t.Fatalf("expected ttl to be armed on a ttl-less counter")
	}
}

func TestGetMissReturnsErrKeyNotFound(t *testing.T) {
	rc, _ := newTestRedis(t)

	_, err := rc.Get(context.Background(), "missing")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestCompareAndDelete(t *testing.T) {
	rc, mr := newTestRedis(t)
	ctx := context.Background()

	if err := rc.Set(ctx, "otp:k", "v1", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	ok, err := rc.CompareAndDelete(ctx, "otp:k", "v0")
	if err != nil || ok {
		t.Fatalf("expected no delete for stale value, ok=%v err=%v", ok, err)
	}
	if !mr.Exists("otp:k") {
		t.Fatalf("key removed despite mismatched value")
	}

	ok, err = rc.CompareAndDelete(ctx, "otp:k", "v1")
	if err != nil || !ok {
		t.Fatalf("expected delete, ok=%v err=%v", ok, err)
	}

	ok, _ = rc.CompareAndDelete(ctx, "otp:k", "v1")
	if ok {
		t.Fatalf("second delete must lose")
	}
}

func TestGetDel(t *testing.T) {
	rc, mr := newTestRedis(t)
	ctx := context.Background()

	_ = rc.Set(ctx, "marker", "1", time.Minute)
	v, err := rc.GetDel(ctx, "marker")
	if err != nil || v != "1" {
		t.Fatalf("GetDel: v=%q err=%v", v, err)
	}
	if mr.Exists("marker") {
		t.Fatalf("GetDel left the key behind")
	}
	if _, err := rc.GetDel(ctx, "marker"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound on second GetDel, got %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	rc, _ := newTestRedis(t)
	if err := rc.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}
