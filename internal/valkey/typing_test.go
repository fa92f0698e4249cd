package valkey

import (
	"context"
	"testing"
)

func TestClaimTypingFirstSignalWins(t *testing.T) {
	t.Parallel()
	_, rdb := setupMiniredis(t)

	ok, err := ClaimTyping(context.Background(), rdb, "WSP-AAAA-AAAA-AAAA", "WSP-BBBB-BBBB-BBBB")
	if err != nil {
		t.Fatalf("ClaimTyping() error = %v", err)
	}
	if !ok {
		t.Error("first ClaimTyping(): want true, got false")
	}
}

func TestClaimTypingSuppressesDuplicate(t *testing.T) {
	t.Parallel()
	_, rdb := setupMiniredis(t)
	ctx := context.Background()

	if _, err := ClaimTyping(ctx, rdb, "WSP-AAAA-AAAA-AAAA", "WSP-BBBB-BBBB-BBBB"); err != nil {
		t.Fatalf("ClaimTyping() error = %v", err)
	}
	ok, err := ClaimTyping(ctx, rdb, "WSP-AAAA-AAAA-AAAA", "WSP-BBBB-BBBB-BBBB")
	if err != nil {
		t.Fatalf("ClaimTyping() error = %v", err)
	}
	if ok {
		t.Error("second ClaimTyping() within window: want false, got true")
	}
}
