package valkey

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrChallengeNotFound is returned when a challengeId has already been consumed, expired, or
// never existed.
var ErrChallengeNotFound = errors.New("valkey: challenge not found or already consumed")

// Valkey key pattern: challenge:{challengeId} → "<whisperId>|<base64(challengeBytes)>" (STRING with TTL).
// whisperId is empty for a fresh registration.

func challengeKey(challengeID string) string {
	return "challenge:" + challengeID
}

// putScript stores a challenge only if the key does not already exist, guarding against
// challengeId collisions rather than overwriting an in-flight challenge.
//
//	KEYS[1] = challenge:{challengeId}
//	ARGV[1] = value ("<whisperId>|<base64 bytes>")
//	ARGV[2] = TTL in seconds
var putScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    return false
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', tonumber(ARGV[2]))
return true
`)

// consumeScript atomically reads and deletes a challenge so a second proof attempt against
// the same challengeId always fails, even under concurrent requests.
//
//	KEYS[1] = challenge:{challengeId}
var consumeScript = redis.NewScript(`
local val = redis.call('GET', KEYS[1])
if not val then
    return false
end
redis.call('DEL', KEYS[1])
return val
`)

// PutChallenge stores a new challenge, failing if challengeID already exists.
func PutChallenge(ctx context.Context, rdb *redis.Client, challengeID, whisperID string, challengeBytes []byte, ttl time.Duration) error {
	value := whisperID + "|" + base64.StdEncoding.EncodeToString(challengeBytes)
	ok, err := putScript.Run(ctx, rdb, []string{challengeKey(challengeID)}, value, int(ttl.Seconds())).Bool()
	if err != nil {
		return fmt.Errorf("put challenge: %w", err)
	}
	if !ok {
		return fmt.Errorf("valkey: challengeId already in use")
	}
	return nil
}

// ConsumeChallenge atomically reads and deletes the challenge, returning the bound whisperID
// (empty for fresh registrations) and the original challenge bytes. A second call for the
// same challengeID returns ErrChallengeNotFound.
func ConsumeChallenge(ctx context.Context, rdb *redis.Client, challengeID string) (whisperID string, challengeBytes []byte, err error) {
	val, err := consumeScript.Run(ctx, rdb, []string{challengeKey(challengeID)}).Text()
	if errors.Is(err, redis.Nil) {
		return "", nil, ErrChallengeNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("consume challenge: %w", err)
	}

	whisperID, encoded, ok := splitOnce(val, '|')
	if !ok {
		return "", nil, fmt.Errorf("valkey: malformed challenge value")
	}
	challengeBytes, err = base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("decode challenge bytes: %w", err)
	}
	return whisperID, challengeBytes, nil
}

func splitOnce(s string, sep byte) (before, after string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
