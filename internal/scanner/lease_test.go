package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisLeaser(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	leaser := NewRedisLeaser(client)
	ctx := context.Background()

	first, err := leaser.Acquire(ctx, "rent:2025-01", 5*time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if first == nil {
		t.Fatal("Expected to acquire a free lease")
	}
	if !mr.Exists("duebook:lease:rent:2025-01") {
		t.Error("Expected lease key in Redis")
	}

	second, err := leaser.Acquire(ctx, "rent:2025-01", 5*time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if second != nil {
		t.Error("Expected held lease to be refused")
	}

	if err := first.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	third, err := leaser.Acquire(ctx, "rent:2025-01", 5*time.Second)
	if err != nil || third == nil {
		t.Fatalf("Expected lease after release, got %v (err: %v)", third, err)
	}
}

func TestRedisLeaser_Expires(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	leaser := NewRedisLeaser(client)
	ctx := context.Background()

	if l, _ := leaser.Acquire(ctx, "k", time.Second); l == nil {
		t.Fatal("Expected lease")
	}
	mr.FastForward(2 * time.Second)

	if l, _ := leaser.Acquire(ctx, "k", time.Second); l == nil {
		t.Error("Expected expired lease to be available")
	}
}

func TestLocalLeaser(t *testing.T) {
	leaser := NewLocalLeaser()
	now := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	leaser.now = func() time.Time { return now }
	ctx := context.Background()

	a, _ := leaser.Acquire(ctx, "k", time.Minute)
	if a == nil {
		t.Fatal("Expected lease")
	}
	if b, _ := leaser.Acquire(ctx, "k", time.Minute); b != nil {
		t.Error("Expected held lease to be refused")
	}

	now = now.Add(2 * time.Minute)
	b, _ := leaser.Acquire(ctx, "k", time.Minute)
	if b == nil {
		t.Fatal("Expected expired lease to be taken over")
	}

	// The stale handle must not release the new holder's lease
	a.Release(ctx)
	if c, _ := leaser.Acquire(ctx, "k", time.Minute); c != nil {
		t.Error("Expected stale release to be ignored")
	}

	b.Release(ctx)
	if c, _ := leaser.Acquire(ctx, "k", time.Minute); c == nil {
		t.Error("Expected lease after release")
	}
}
