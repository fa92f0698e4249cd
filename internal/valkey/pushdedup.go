package valkey

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Valkey key pattern: pushdedup:{whisperId}:{reason}:{correlationId} → "1" (STRING with TTL
// equal to the dedup window).

func pushDedupKey(whisperID, reason, correlationID string) string {
	return "pushdedup:" + whisperID + ":" + reason + ":" + correlationID
}

// ClaimPushDedup reports true if this is the first wake for (whisperID, reason,
// correlationID) within window; subsequent calls within the window return false so the
// caller suppresses the duplicate push.
func ClaimPushDedup(ctx context.Context, rdb *redis.Client, whisperID, reason, correlationID string, window time.Duration) (bool, error) {
	ok, err := rdb.SetNX(ctx, pushDedupKey(whisperID, reason, correlationID), "1", window).Result()
	if err != nil {
		return false, fmt.Errorf("claim push dedup: %w", err)
	}
	return ok, nil
}
