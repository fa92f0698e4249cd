package valkey

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Valkey key pattern: presence:{whisperId} → "online" (STRING with TTL 60s). Absence of the
// key means offline.

func presenceKey(whisperID string) string {
	return "presence:" + whisperID
}

// RefreshPresence marks whisperID online for ttl, refreshed on each inbound frame or ping.
func RefreshPresence(ctx context.Context, rdb *redis.Client, whisperID string, ttl time.Duration) error {
	if err := rdb.Set(ctx, presenceKey(whisperID), "online", ttl).Err(); err != nil {
		return fmt.Errorf("refresh presence: %w", err)
	}
	return nil
}

// ClearPresence marks whisperID offline immediately, used on graceful disconnect rather than
// waiting for the TTL to lapse.
func ClearPresence(ctx context.Context, rdb *redis.Client, whisperID string) error {
	if err := rdb.Del(ctx, presenceKey(whisperID)).Err(); err != nil {
		return fmt.Errorf("clear presence: %w", err)
	}
	return nil
}

// IsOnline reports whether whisperID currently has a live presence key.
func IsOnline(ctx context.Context, rdb *redis.Client, whisperID string) (bool, error) {
	n, err := rdb.Exists(ctx, presenceKey(whisperID)).Result()
	if err != nil {
		return false, fmt.Errorf("check presence: %w", err)
	}
	return n > 0, nil
}
