package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/config"
)

func newTestRedisLedger(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	cfg := &config.Config{
		Redis: config.RedisConfig{
			URL:      "redis://" + mr.Addr(),
			PoolSize: 10,
		},
	}
	redisClient, err := client.NewRedisClient(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRedisClient failed: %v", err)
	}
	t.Cleanup(func() { redisClient.Close() })

	return NewRedis(redisClient), mr
}

func TestRedisPutGet(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedisLedger(t)

	if err := r.Put(ctx, "a@x.com", "v1", time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok, err := r.Get(ctx, "a@x.com")
	if err != nil || !ok || got != "v1" {
		t.Fatalf("Get = (%q, %v, %v), want (v1, true, nil)", got, ok, err)
	}

	_, ok, err = r.Get(ctx, "missing")
	if err != nil || ok {
		t.Fatalf("Get missing = (ok=%v, err=%v), want absent", ok, err)
	}
}

func TestRedisMissingKeySentinel(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedisLedger(t)

	// The client reports absent keys through ErrKeyNotFound; the ledger
	// maps that to a clean "not found" rather than surfacing an error.
	_, err := r.client.Get(ctx, "otp:missing")
	if !errors.Is(err, client.ErrKeyNotFound) {
		t.Fatalf("client.Get missing key err = %v, want ErrKeyNotFound", err)
	}

	if _, ok, err := r.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get missing = (ok=%v, err=%v), want absent", ok, err)
	}
}

func TestRedisKeyPrefix(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedisLedger(t)

	if err := r.Put(ctx, "a@x.com", "v1", time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if !mr.Exists("otp:a@x.com") {
		t.Fatal("entry not stored under the otp: prefix")
	}
}

func TestRedisTTLExpiry(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedisLedger(t)

	r.Put(ctx, "k", "v", time.Minute)

	mr.FastForward(2 * time.Minute)

	if _, ok, _ := r.Get(ctx, "k"); ok {
		t.Fatal("entry should be gone after its TTL")
	}
}

func TestRedisCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedisLedger(t)

	r.Put(ctx, "k", "v", time.Minute)

	if deleted, err := r.CompareAndDelete(ctx, "k", "wrong"); err != nil || deleted {
		t.Fatalf("CompareAndDelete stale = (%v, %v), want no delete", deleted, err)
	}
	if _, ok, _ := r.Get(ctx, "k"); !ok {
		t.Fatal("mismatched compare must leave the entry intact")
	}

	if deleted, err := r.CompareAndDelete(ctx, "k", "v"); err != nil || !deleted {
		t.Fatalf("CompareAndDelete current = (%v, %v), want delete", deleted, err)
	}
	if deleted, _ := r.CompareAndDelete(ctx, "k", "v"); deleted {
		t.Fatal("second CompareAndDelete should find nothing")
	}
}

func TestRedisOverwrite(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedisLedger(t)

	r.Put(ctx, "k", "old", time.Minute)
	r.Put(ctx, "k", "new", time.Minute)

	got, ok, _ := r.Get(ctx, "k")
	if !ok || got != "new" {
		t.Fatalf("Get after overwrite = (%q, %v), want (new, true)", got, ok)
	}

	// The old serialized entry can no longer be consumed.
	if deleted, _ := r.CompareAndDelete(ctx, "k", "old"); deleted {
		t.Fatal("CompareAndDelete consumed an overwritten entry")
	}
}
