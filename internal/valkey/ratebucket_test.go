package valkey

import (
	"context"
	"testing"
)

func TestTakeAllowsWithinBurst(t *testing.T) {
	t.Parallel()
	_, rdb := setupMiniredis(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, err := Take(ctx, rdb, "ip", "1.2.3.4", "send_message", 5, 1, 1000)
		if err != nil {
			t.Fatalf("Take() error = %v", err)
		}
		if !allowed {
			t.Fatalf("Take() call %d: want allowed, got denied", i)
		}
	}
}

func TestTakeDeniesAfterBurstExhausted(t *testing.T) {
	t.Parallel()
	_, rdb := setupMiniredis(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := Take(ctx, rdb, "ip", "1.2.3.4", "register_begin", 3, 1, 1000); err != nil {
			t.Fatalf("Take() error = %v", err)
		}
	}

	allowed, err := Take(ctx, rdb, "ip", "1.2.3.4", "register_begin", 3, 1, 1000)
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	if allowed {
		t.Error("Take() after burst exhausted: want denied, got allowed")
	}
}

func TestTakeRefillsOverTime(t *testing.T) {
	t.Parallel()
	_, rdb := setupMiniredis(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := Take(ctx, rdb, "user", "WSP-AAAA-AAAA-AAAA", "typing", 2, 1, 1000); err != nil {
			t.Fatalf("Take() error = %v", err)
		}
	}

	allowed, err := Take(ctx, rdb, "user", "WSP-AAAA-AAAA-AAAA", "typing", 2, 1, 1000)
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	if allowed {
		t.Fatal("Take() immediately after exhausting burst: want denied, got allowed")
	}

	allowed, err = Take(ctx, rdb, "user", "WSP-AAAA-AAAA-AAAA", "typing", 2, 1, 2000)
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	if !allowed {
		t.Error("Take() after 1s at 1 token/sec: want allowed, got denied")
	}
}

func TestTakeSeparatesBucketsByScope(t *testing.T) {
	t.Parallel()
	_, rdb := setupMiniredis(t)
	ctx := context.Background()

	if _, err := Take(ctx, rdb, "ip", "9.9.9.9", "send_message", 1, 1, 1000); err != nil {
		t.Fatalf("Take() error = %v", err)
	}

	allowed, err := Take(ctx, rdb, "user", "9.9.9.9", "send_message", 1, 1, 1000)
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	if !allowed {
		t.Error("Take() for user scope with same key string: want allowed (separate bucket), got denied")
	}
}
