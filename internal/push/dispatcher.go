package push

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/whisper-msg/whisper-server/internal/account"
	"github.com/whisper-msg/whisper-server/internal/valkey"
)

// TokenSource resolves a whisperId's registered device push/VoIP tokens. Satisfied by
// *account.Service; push depends on account's plain data type, not its Service, to keep the
// dependency one-directional and avoid an import cycle with account's own Notifier interface.
type TokenSource interface {
	ListPushTokens(ctx context.Context, whisperID string) ([]account.PushToken, error)
}

// VoIPHandler sends a PushKit wake to an iOS device. No APNs Go client exists anywhere in this
// module's retrieval pack to ground a concrete implementation on, so this stays an external
// collaborator stub: Dispatcher calls it only if one was wired at construction, and falls back
// to the FCM/APNs data-message channel otherwise.
type VoIPHandler interface {
	SendVoIP(ctx context.Context, voipToken string, payload Payload) error
}

// Dispatcher implements PushDispatcher: the narrow Wake(ctx, whisperId, reason) contract shared
// by MessageRouter, GroupService, and CallService.
type Dispatcher struct {
	rdb    *redis.Client
	tokens TokenSource
	voip   VoIPHandler
	log    zerolog.Logger
}

// New constructs a Dispatcher. voip may be nil if no VoIP vendor is wired.
func New(rdb *redis.Client, tokens TokenSource, voip VoIPHandler, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{rdb: rdb, tokens: tokens, voip: voip, log: log}
}

// Wake assembles and dispatches a wake payload for whisperID, deduplicating repeat wakes for
// the same reason within the dedup window. The narrow (whisperId, reason) signature matches
// every caller's PushDispatcher interface; richer call-signaling hints (callId, from,
// callerName, isVideo) are not available at this call site, so the dedup correlationId and
// payload fall back to reason alone.
func (d *Dispatcher) Wake(ctx context.Context, whisperID, reason string) error {
	claimed, err := valkey.ClaimPushDedup(ctx, d.rdb, whisperID, reason, reason, dedupWindow)
	if err != nil {
		return fmt.Errorf("push wake dedup: %w", err)
	}
	if !claimed {
		return nil
	}

	payload := Payload{
		Type:      "wake",
		Reason:    reason,
		WhisperID: whisperID,
	}

	tokens, err := d.tokens.ListPushTokens(ctx, whisperID)
	if err != nil {
		return fmt.Errorf("push wake: list tokens: %w", err)
	}
	if len(tokens) == 0 {
		d.log.Debug().Str("whisperId", whisperID).Str("reason", reason).Msg("push wake: no registered device tokens")
		return nil
	}

	for _, t := range tokens {
		if reason == ReasonCall && t.VoipToken != "" && d.voip != nil {
			if err := d.voip.SendVoIP(ctx, t.VoipToken, payload); err != nil {
				d.log.Warn().Err(err).Str("whisperId", whisperID).Msg("voip push failed")
			}
			continue
		}
		if t.Token == "" {
			continue
		}
		dispatch(&Receipt{WhisperID: whisperID, DeviceToken: t.Token, Payload: payload}, nil)
	}
	return nil
}

// WakeCall is the richer entry point CallService may use once it carries correlation hints
// through its own narrow interface; truncates free-text hints to the wire limit.
func (d *Dispatcher) WakeCall(ctx context.Context, whisperID, callID, from, callerName string, isVideo bool) error {
	correlationID := callID
	claimed, err := valkey.ClaimPushDedup(ctx, d.rdb, whisperID, ReasonCall, correlationID, dedupWindow)
	if err != nil {
		return fmt.Errorf("push wake call dedup: %w", err)
	}
	if !claimed {
		return nil
	}

	payload := Payload{
		Type:       "wake",
		Reason:     ReasonCall,
		WhisperID:  whisperID,
		CallID:     callID,
		From:       from,
		CallerName: truncateHint(callerName),
		IsVideo:    isVideo,
	}

	tokens, err := d.tokens.ListPushTokens(ctx, whisperID)
	if err != nil {
		return fmt.Errorf("push wake call: list tokens: %w", err)
	}
	for _, t := range tokens {
		if t.VoipToken != "" && d.voip != nil {
			if err := d.voip.SendVoIP(ctx, t.VoipToken, payload); err != nil {
				d.log.Warn().Err(err).Str("whisperId", whisperID).Msg("voip push failed")
			}
			continue
		}
		if t.Token == "" {
			continue
		}
		dispatch(&Receipt{WhisperID: whisperID, DeviceToken: t.Token, Payload: payload}, nil)
	}
	return nil
}
