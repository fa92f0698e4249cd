package valkey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Valkey key pattern: call:{callId} → state string (STRING with TTL 180s). The durable Call
// row is the history record; this key is the live state mirror the signaling relay checks on
// every inbound frame.

// ErrCallNotFound is returned when a callId has no live state (expired, ended, or unknown).
var ErrCallNotFound = errors.New("valkey: call not found")

func callKey(callID string) string {
	return "call:" + callID
}

// PutCallState sets the live state for a new call, failing if one already exists for callID.
func PutCallState(ctx context.Context, rdb *redis.Client, callID, state string, ttl time.Duration) error {
	ok, err := rdb.SetNX(ctx, callKey(callID), state, ttl).Result()
	if err != nil {
		return fmt.Errorf("put call state: %w", err)
	}
	if !ok {
		return fmt.Errorf("valkey: call %s already exists", callID)
	}
	return nil
}

// GetCallState returns the current live state for callID, or ErrCallNotFound.
func GetCallState(ctx context.Context, rdb *redis.Client, callID string) (string, error) {
	val, err := rdb.Get(ctx, callKey(callID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCallNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get call state: %w", err)
	}
	return val, nil
}

// casScript transitions a call's state only if it currently matches the expected value,
// refreshing the TTL so the timeout wheel's window restarts on every accepted transition.
//
//	KEYS[1] = call:{callId}
//	ARGV[1] = expected state (empty string matches "any non-terminal state")
//	ARGV[2] = new state
//	ARGV[3] = TTL in seconds
var casScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
    return false
end
if current == 'ended' then
    return false
end
if ARGV[1] ~= '' and current ~= ARGV[1] then
    return false
end
redis.call('SET', KEYS[1], ARGV[2], 'EX', tonumber(ARGV[3]))
return true
`)

// CompareAndSwapCallState transitions callID from expectedState (or any non-terminal state,
// if expectedState is "") to newState, refreshing the TTL. Returns false without error if the
// precondition did not hold — the caller treats that as a rejected transition, not a fault.
func CompareAndSwapCallState(ctx context.Context, rdb *redis.Client, callID, expectedState, newState string, ttl time.Duration) (bool, error) {
	ok, err := casScript.Run(ctx, rdb, []string{callKey(callID)}, expectedState, newState, int(ttl.Seconds())).Bool()
	if err != nil {
		return false, fmt.Errorf("cas call state: %w", err)
	}
	return ok, nil
}

// DeleteCallState removes the live state mirror once a call's terminal row has been durably
// written.
func DeleteCallState(ctx context.Context, rdb *redis.Client, callID string) error {
	if err := rdb.Del(ctx, callKey(callID)).Err(); err != nil {
		return fmt.Errorf("delete call state: %w", err)
	}
	return nil
}
