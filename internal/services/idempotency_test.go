package services

import (
	"context"
	"testing"
	"time"
)

func TestMemoryIdempotencyFirstUse(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)
	ctx := context.Background()

	first, err := store.FirstUse(ctx, "evt-1")
	if err != nil {
		t.Fatal(err)
	}
	if !first {
		t.Fatal("fresh key should be first use")
	}

	first, err = store.FirstUse(ctx, "evt-1")
	if err != nil {
		t.Fatal(err)
	}
	if first {
		t.Fatal("replayed key should not be first use")
	}
}

func TestMemoryIdempotencyIndependentKeys(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)
	ctx := context.Background()

	if first, _ := store.FirstUse(ctx, "evt-a"); !first {
		t.Fatal("evt-a should be first use")
	}
	if first, _ := store.FirstUse(ctx, "evt-b"); !first {
		t.Fatal("evt-b should be unaffected by evt-a")
	}
	if first, _ := store.FirstUse(ctx, "evt-b"); first {
		t.Fatal("evt-b replay should be rejected")
	}
}

func TestMemoryIdempotencyTTLExpiry(t *testing.T) {
	store := NewMemoryIdempotencyStore(20 * time.Millisecond)
	ctx := context.Background()

	if first, _ := store.FirstUse(ctx, "evt-ttl"); !first {
		t.Fatal("fresh key should be first use")
	}
	time.Sleep(40 * time.Millisecond)
	if first, _ := store.FirstUse(ctx, "evt-ttl"); !first {
		t.Fatal("expired key should be usable again")
	}
}
