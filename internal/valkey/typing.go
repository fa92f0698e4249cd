package valkey

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Valkey key pattern: typing:{from}:{to} → 1 (STRING with TTL). SET NX dedupes rapid
// keystrokes from the same sender into a single typing_notification per window.

const TypingWindow = 10 * time.Second

func typingKey(from, to string) string {
	return "typing:" + from + ":" + to
}

// ClaimTyping reports true if this is the first typing signal from "from" to "to" within the
// window; the caller suppresses the relay on a false result.
func ClaimTyping(ctx context.Context, rdb *redis.Client, from, to string) (bool, error) {
	ok, err := rdb.SetNX(ctx, typingKey(from, to), 1, TypingWindow).Result()
	if err != nil {
		return false, fmt.Errorf("claim typing: %w", err)
	}
	return ok, nil
}
