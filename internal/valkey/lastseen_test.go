package valkey

import (
	"context"
	"testing"
	"time"
)

func TestGetLastSeenMissingReturnsZero(t *testing.T) {
	t.Parallel()
	_, rdb := setupMiniredis(t)

	got, err := GetLastSeen(context.Background(), rdb, "WSP-AAAA-AAAA-AAAA")
	if err != nil {
		t.Fatalf("GetLastSeen() error = %v", err)
	}
	if !got.IsZero() {
		t.Errorf("GetLastSeen() = %v, want zero time", got)
	}
}

func TestSetAndGetLastSeenRoundTrips(t *testing.T) {
	t.Parallel()
	_, rdb := setupMiniredis(t)
	ctx := context.Background()
	want := time.UnixMilli(1_700_000_000_000)

	if err := SetLastSeen(ctx, rdb, "WSP-AAAA-AAAA-AAAA", want); err != nil {
		t.Fatalf("SetLastSeen() error = %v", err)
	}

	got, err := GetLastSeen(ctx, rdb, "WSP-AAAA-AAAA-AAAA")
	if err != nil {
		t.Fatalf("GetLastSeen() error = %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("GetLastSeen() = %v, want %v", got, want)
	}
}
