package valkey

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPutAndGetCallState(t *testing.T) {
	t.Parallel()
	_, rdb := setupMiniredis(t)
	ctx := context.Background()

	if err := PutCallState(ctx, rdb, "call-1", "initiated", 180*time.Second); err != nil {
		t.Fatalf("PutCallState() error = %v", err)
	}

	state, err := GetCallState(ctx, rdb, "call-1")
	if err != nil {
		t.Fatalf("GetCallState() error = %v", err)
	}
	if state != "initiated" {
		t.Errorf("state = %q, want initiated", state)
	}
}

func TestPutCallStateRejectsDuplicate(t *testing.T) {
	t.Parallel()
	_, rdb := setupMiniredis(t)
	ctx := context.Background()

	if err := PutCallState(ctx, rdb, "call-2", "initiated", 180*time.Second); err != nil {
		t.Fatalf("PutCallState() error = %v", err)
	}
	if err := PutCallState(ctx, rdb, "call-2", "initiated", 180*time.Second); err == nil {
		t.Error("second PutCallState() for same callId: want error, got nil")
	}
}

func TestCompareAndSwapCallState(t *testing.T) {
	t.Parallel()
	_, rdb := setupMiniredis(t)
	ctx := context.Background()

	if err := PutCallState(ctx, rdb, "call-3", "initiated", 180*time.Second); err != nil {
		t.Fatalf("PutCallState() error = %v", err)
	}

	ok, err := CompareAndSwapCallState(ctx, rdb, "call-3", "initiated", "ringing", 180*time.Second)
	if err != nil {
		t.Fatalf("CompareAndSwapCallState() error = %v", err)
	}
	if !ok {
		t.Fatal("CompareAndSwapCallState() from matching state: want true, got false")
	}

	state, err := GetCallState(ctx, rdb, "call-3")
	if err != nil {
		t.Fatalf("GetCallState() error = %v", err)
	}
	if state != "ringing" {
		t.Errorf("state after CAS = %q, want ringing", state)
	}
}

func TestCompareAndSwapCallStateRejectsStaleExpected(t *testing.T) {
	t.Parallel()
	_, rdb := setupMiniredis(t)
	ctx := context.Background()

	if err := PutCallState(ctx, rdb, "call-4", "ringing", 180*time.Second); err != nil {
		t.Fatalf("PutCallState() error = %v", err)
	}

	ok, err := CompareAndSwapCallState(ctx, rdb, "call-4", "initiated", "answered", 180*time.Second)
	if err != nil {
		t.Fatalf("CompareAndSwapCallState() error = %v", err)
	}
	if ok {
		t.Error("CompareAndSwapCallState() from stale expected state: want false, got true")
	}
}

func TestCompareAndSwapCallStateRejectsEnded(t *testing.T) {
	t.Parallel()
	_, rdb := setupMiniredis(t)
	ctx := context.Background()

	if err := PutCallState(ctx, rdb, "call-5", "ended", 180*time.Second); err != nil {
		t.Fatalf("PutCallState() error = %v", err)
	}

	ok, err := CompareAndSwapCallState(ctx, rdb, "call-5", "", "ringing", 180*time.Second)
	if err != nil {
		t.Fatalf("CompareAndSwapCallState() error = %v", err)
	}
	if ok {
		t.Error("CompareAndSwapCallState() on terminal 'ended' state: want false, got true")
	}
}

func TestGetCallStateNotFound(t *testing.T) {
	t.Parallel()
	_, rdb := setupMiniredis(t)
	ctx := context.Background()

	_, err := GetCallState(ctx, rdb, "nonexistent")
	if !errors.Is(err, ErrCallNotFound) {
		t.Errorf("GetCallState() error = %v, want ErrCallNotFound", err)
	}
}
