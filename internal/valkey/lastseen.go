package valkey

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Valkey key pattern: lastseen:{whisperId} → unix-milli STRING, no TTL. Retained across
// offline periods so a reconnecting client's contacts can render "last seen" without the
// server persisting it in Postgres.

func lastSeenKey(whisperID string) string {
	return "lastseen:" + whisperID
}

// SetLastSeen records whisperID's most recent offline transition.
func SetLastSeen(ctx context.Context, rdb *redis.Client, whisperID string, at time.Time) error {
	if err := rdb.Set(ctx, lastSeenKey(whisperID), at.UnixMilli(), 0).Err(); err != nil {
		return fmt.Errorf("set last seen: %w", err)
	}
	return nil
}

// GetLastSeen returns the stored last-seen time, or the zero time if none is recorded.
func GetLastSeen(ctx context.Context, rdb *redis.Client, whisperID string) (time.Time, error) {
	val, err := rdb.Get(ctx, lastSeenKey(whisperID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get last seen: %w", err)
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last seen: %w", err)
	}
	return time.UnixMilli(ms), nil
}
