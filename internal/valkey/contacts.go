package valkey

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Valkey key pattern: contacts:{whisperId} → ZSET member=otherWhisperId score=unixSeconds of
// last exchange. A cheap secondary index maintained on every send so presence transitions can
// fan out to recent correspondents without a Postgres scan.

func contactsKey(whisperID string) string {
	return "contacts:" + whisperID
}

// RecordContact marks a and b as having exchanged a message at now, refreshing both
// directions' entries.
func RecordContact(ctx context.Context, rdb *redis.Client, a, b string, now time.Time) error {
	pipe := rdb.Pipeline()
	pipe.ZAdd(ctx, contactsKey(a), redis.Z{Score: float64(now.Unix()), Member: b})
	pipe.ZAdd(ctx, contactsKey(b), redis.Z{Score: float64(now.Unix()), Member: a})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record contact: %w", err)
	}
	return nil
}

// RecentContacts returns every whisperId that exchanged a message with whisperID within
// window, trimming entries older than window as a side effect.
func RecentContacts(ctx context.Context, rdb *redis.Client, whisperID string, window time.Duration, now time.Time) ([]string, error) {
	key := contactsKey(whisperID)
	cutoff := now.Add(-window).Unix()

	if err := rdb.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", cutoff)).Err(); err != nil {
		return nil, fmt.Errorf("trim stale contacts: %w", err)
	}

	members, err := rdb.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list recent contacts: %w", err)
	}
	return members, nil
}
