// Package presence implements the online/offline half of ConnectionRegistry: TTL-backed
// presence keys, last-seen tracking, and the contact-index fan-out that notifies a user's
// recent correspondents of a status transition. It is deliberately split from the gateway's
// connection-map bookkeeping (connId/whisperId registries) so it can be unit-tested without a
// live socket.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/whisper-msg/whisper-server/internal/protocol"
	"github.com/whisper-msg/whisper-server/internal/valkey"
)

const (
	// PresenceTTL is the lifetime of a presence key, refreshed on each inbound frame or ping.
	PresenceTTL = 60 * time.Second

	// ContactWindow bounds how far back RecentContacts looks when fanning out a transition.
	ContactWindow = 30 * 24 * time.Hour

	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Delivery attempts to hand a frame to a whisperId's live connection(s). Satisfied by the
// gateway's ConnectionRegistry.
type Delivery interface {
	SendTo(whisperID string, frame []byte) bool
}

// Store tracks presence, last-seen, and the contact secondary index over Valkey.
type Store struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewStore constructs a Store.
func NewStore(rdb *redis.Client, log zerolog.Logger) *Store {
	return &Store{rdb: rdb, log: log}
}

// MarkOnline refreshes whisperID's presence TTL and reports whether this is a transition from
// offline (the caller should broadcast presence_update only on a genuine transition, not on
// every heartbeat).
func (s *Store) MarkOnline(ctx context.Context, whisperID string) (transitioned bool, err error) {
	wasOnline, err := valkey.IsOnline(ctx, s.rdb, whisperID)
	if err != nil {
		return false, err
	}
	if err := valkey.RefreshPresence(ctx, s.rdb, whisperID, PresenceTTL); err != nil {
		return false, err
	}
	return !wasOnline, nil
}

// Heartbeat extends whisperID's presence TTL without checking for a transition, used on every
// inbound frame and ping once the connection is already known to be online.
func (s *Store) Heartbeat(ctx context.Context, whisperID string) error {
	return valkey.RefreshPresence(ctx, s.rdb, whisperID, PresenceTTL)
}

// MarkOffline clears whisperID's presence key and records the offline timestamp as lastSeen.
// Called when the last live connection for whisperID closes.
func (s *Store) MarkOffline(ctx context.Context, whisperID string, at time.Time) error {
	if err := valkey.ClearPresence(ctx, s.rdb, whisperID); err != nil {
		return err
	}
	return valkey.SetLastSeen(ctx, s.rdb, whisperID, at)
}

// Status reports whether whisperID is currently online, and its last-seen time if offline.
func (s *Store) Status(ctx context.Context, whisperID string) (status string, lastSeen time.Time, err error) {
	online, err := valkey.IsOnline(ctx, s.rdb, whisperID)
	if err != nil {
		return "", time.Time{}, err
	}
	if online {
		return StatusOnline, time.Time{}, nil
	}
	lastSeen, err = valkey.GetLastSeen(ctx, s.rdb, whisperID)
	if err != nil {
		return "", time.Time{}, err
	}
	return StatusOffline, lastSeen, nil
}

// RecordContact refreshes the bidirectional contact index for a and b, called by the gateway
// whenever it routes a direct or group message between them.
func (s *Store) RecordContact(ctx context.Context, a, b string, at time.Time) error {
	return valkey.RecordContact(ctx, s.rdb, a, b, at)
}

// BroadcastTransition sends presence_update{whisperId, status, lastSeen?} to every whisperId
// that exchanged a message with whisperID within ContactWindow. Best-effort: recipients that
// are offline simply miss the update, since presence is ephemeral state, not a queued message.
func (s *Store) BroadcastTransition(ctx context.Context, delivery Delivery, whisperID, status string, lastSeen time.Time, now time.Time) error {
	contacts, err := valkey.RecentContacts(ctx, s.rdb, whisperID, ContactWindow, now)
	if err != nil {
		return fmt.Errorf("broadcast presence transition: %w", err)
	}
	if len(contacts) == 0 {
		return nil
	}

	payload := protocol.PresenceUpdatePayload{WhisperID: whisperID, Status: status}
	if !lastSeen.IsZero() {
		payload.LastSeen = lastSeen.UnixMilli()
	}
	frame, err := protocol.Encode(protocol.TypePresenceUpdate, "", payload)
	if err != nil {
		return fmt.Errorf("encode presence_update: %w", err)
	}

	for _, contact := range contacts {
		delivery.SendTo(contact, frame)
	}
	return nil
}

// NotifyTyping relays a typing_notification from "from" to "to", deduped per ClaimTyping's
// window so a burst of keystrokes produces one relay rather than one per frame.
func (s *Store) NotifyTyping(ctx context.Context, delivery Delivery, from, to, groupID string) error {
	claimed, err := valkey.ClaimTyping(ctx, s.rdb, from, to)
	if err != nil {
		return fmt.Errorf("notify typing: %w", err)
	}
	if !claimed {
		return nil
	}

	frame, err := protocol.Encode(protocol.TypeTypingNotification, "", protocol.TypingNotificationPayload{
		From:    from,
		GroupID: groupID,
	})
	if err != nil {
		return fmt.Errorf("encode typing_notification: %w", err)
	}
	delivery.SendTo(to, frame)
	return nil
}
