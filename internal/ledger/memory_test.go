package ledger

import (
	"context"
	"testing"
	"time"
)

func TestMemoryPutGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.Put(ctx, "a@x.com", "v1", time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok, err := m.Get(ctx, "a@x.com")
	if err != nil || !ok || got != "v1" {
		t.Fatalf("Get = (%q, %v, %v), want (v1, true, nil)", got, ok, err)
	}

	_, ok, err = m.Get(ctx, "missing")
	if err != nil || ok {
		t.Fatalf("Get missing = (ok=%v, err=%v), want absent", ok, err)
	}
}

func TestMemoryOverwrite(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	m.Put(ctx, "k", "old", time.Minute)
	m.Put(ctx, "k", "new", time.Minute)

	got, ok, _ := m.Get(ctx, "k")
	if !ok || got != "new" {
		t.Fatalf("Get after overwrite = (%q, %v), want (new, true)", got, ok)
	}
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := NewMemoryWithClock(func() time.Time { return now })

	m.Put(ctx, "k", "v", time.Minute)

	now = now.Add(2 * time.Minute)
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatal("entry should be gone after its retain window")
	}

	// Lazy expiry removed the entry.
	if deleted, _ := m.CompareAndDelete(ctx, "k", "v"); deleted {
		t.Fatal("CompareAndDelete succeeded on an expired entry")
	}
}

func TestMemoryCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	m.Put(ctx, "k", "v", time.Minute)

	if deleted, _ := m.CompareAndDelete(ctx, "k", "wrong"); deleted {
		t.Fatal("CompareAndDelete with a stale value should not delete")
	}
	if _, ok, _ := m.Get(ctx, "k"); !ok {
		t.Fatal("mismatched compare must leave the entry intact")
	}

	if deleted, _ := m.CompareAndDelete(ctx, "k", "v"); !deleted {
		t.Fatal("CompareAndDelete with the current value should delete")
	}
	if deleted, _ := m.CompareAndDelete(ctx, "k", "v"); deleted {
		t.Fatal("second CompareAndDelete should find nothing")
	}
}

func TestMemorySweep(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := NewMemoryWithClock(func() time.Time { return now })

	m.Put(ctx, "stale", "v", time.Minute)
	m.Put(ctx, "fresh", "v", time.Hour)

	now = now.Add(2 * time.Minute)
	m.sweep()

	m.mu.Lock()
	_, staleLeft := m.entries["stale"]
	_, freshLeft := m.entries["fresh"]
	m.mu.Unlock()

	if staleLeft {
		t.Fatal("sweep left the stale entry behind")
	}
	if !freshLeft {
		t.Fatal("sweep removed a live entry")
	}
}
