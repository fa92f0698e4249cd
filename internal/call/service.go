// Package call implements CallService: the initiated→ringing→answered→ended state machine,
// TURN credential minting, and the timeout wheel that force-ends stale calls.
package call

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/whisper-msg/whisper-server/internal/protocol"
	"github.com/whisper-msg/whisper-server/internal/signing"
	"github.com/whisper-msg/whisper-server/internal/valkey"
)

// CallWindow bounds how long a non-terminal call may live before the timeout wheel force-ends
// it with reason=timeout.
const CallWindow = 180 * time.Second

// RecipientLookup resolves a whisperId's signing key for payload verification.
type RecipientLookup interface {
	SignPublicKey(ctx context.Context, whisperID string) (key ed25519.PublicKey, banned bool, found bool, err error)
}

// Delivery attempts to hand a frame to a whisperId's live connection.
type Delivery interface {
	SendTo(whisperID string, frame []byte) bool
}

// PushDispatcher wakes an offline recipient.
type PushDispatcher interface {
	Wake(ctx context.Context, whisperID, reason string) error
}

// Config carries CallService's tunables.
type Config struct {
	TURNSharedSecret string
	TURNUrls         []string
}

// Service implements CallService.
type Service struct {
	db     *pgxpool.Pool
	rdb    *redis.Client
	repo   *repository
	lookup RecipientLookup
	delivery Delivery
	push   PushDispatcher
	wheel  *TimeoutWheel
	cfg    Config
	log    zerolog.Logger
}

// New constructs a Service and its timeout wheel. Call Run(ctx) to drive the wheel.
func New(db *pgxpool.Pool, rdb *redis.Client, lookup RecipientLookup, delivery Delivery, push PushDispatcher, cfg Config, log zerolog.Logger) *Service {
	s := &Service{db: db, rdb: rdb, repo: newRepository(db), lookup: lookup, delivery: delivery, push: push, cfg: cfg, log: log}
	s.wheel = NewTimeoutWheel(s.onTimeout)
	return s
}

// Run drives the timeout wheel until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	return s.wheel.Run(ctx)
}

// GetTURNCredentials mints a fresh credential pair for whisperID.
func (s *Service) GetTURNCredentials(whisperID string) TURNCredentials {
	return MintTURNCredentials(s.cfg.TURNSharedSecret, whisperID, s.cfg.TURNUrls, time.Now())
}

// Initiate starts a new call. Fails with ErrCallExists if caller/callee already have a
// non-ended call.
func (s *Service) Initiate(ctx context.Context, p protocol.CallInitiatePayload, callerWhisperID string) error {
	if err := s.verify(ctx, protocol.TypeCallInitiate, p.CallID, p.From, p.To, p.Timestamp, p.Nonce, p.Ciphertext, p.Signature); err != nil {
		return err
	}
	if p.From != callerWhisperID {
		return ErrNotParticipant
	}

	active, err := s.repo.hasActiveCall(ctx, p.From, p.To)
	if err != nil {
		return err
	}
	if active {
		return ErrCallExists
	}

	if err := s.repo.insert(ctx, Record{CallID: p.CallID, CallerID: p.From, CalleeID: p.To, State: "initiated", IsVideo: p.IsVideo}); err != nil {
		return err
	}
	if err := valkey.PutCallState(ctx, s.rdb, p.CallID, "initiated", CallWindow); err != nil {
		return fmt.Errorf("call: put live state: %w", err)
	}
	s.wheel.Schedule(p.CallID, time.Now().Add(CallWindow))

	frame, err := protocol.Encode(protocol.TypeCallIncoming, "", protocol.CallIncomingPayload{
		CallID: p.CallID, From: p.From, IsVideo: p.IsVideo, Timestamp: p.Timestamp,
		Nonce: p.Nonce, Ciphertext: p.Ciphertext, Signature: p.Signature,
	})
	if err != nil {
		return fmt.Errorf("call: encode call_incoming: %w", err)
	}
	if !s.delivery.SendTo(p.To, frame) && s.push != nil {
		if err := s.push.Wake(ctx, p.To, "call"); err != nil {
			s.log.Error().Err(err).Msg("call: wake callee")
		}
	}
	return nil
}

// Ringing transitions initiated→ringing, relayed caller-ward.
func (s *Service) Ringing(ctx context.Context, p protocol.CallRingingPayload, calleeWhisperID string) error {
	if err := s.verify(ctx, protocol.TypeCallRinging, p.CallID, p.From, p.To, p.Timestamp, p.Nonce, p.Ciphertext, p.Signature); err != nil {
		return err
	}
	if p.From != calleeWhisperID {
		return ErrNotParticipant
	}

	ok, err := valkey.CompareAndSwapCallState(ctx, s.rdb, p.CallID, "initiated", "ringing", CallWindow)
	if err != nil {
		return fmt.Errorf("call: cas ringing: %w", err)
	}
	if !ok {
		return ErrInvalidState
	}
	if err := s.repo.markRinging(ctx, p.CallID); err != nil {
		return err
	}
	s.wheel.Schedule(p.CallID, time.Now().Add(CallWindow))

	frame, err := protocol.Encode(protocol.TypeCallRinging, "", protocol.CallRingingPayload{
		CallID: p.CallID, From: p.From, To: p.To, Timestamp: p.Timestamp,
		Nonce: p.Nonce, Ciphertext: p.Ciphertext, Signature: p.Signature,
	})
	if err != nil {
		return fmt.Errorf("call: encode call_ringing: %w", err)
	}
	s.delivery.SendTo(p.To, frame)
	return nil
}

// Answer transitions initiated|ringing→answered, relayed caller-ward.
func (s *Service) Answer(ctx context.Context, p protocol.CallAnswerPayload, calleeWhisperID string) error {
	if err := s.verify(ctx, protocol.TypeCallAnswer, p.CallID, p.From, p.To, p.Timestamp, p.Nonce, p.Ciphertext, p.Signature); err != nil {
		return err
	}
	if p.From != calleeWhisperID {
		return ErrNotParticipant
	}

	ok, err := valkey.CompareAndSwapCallState(ctx, s.rdb, p.CallID, "initiated", "answered", CallWindow)
	if err != nil {
		return fmt.Errorf("call: cas answered (from initiated): %w", err)
	}
	if !ok {
		ok, err = valkey.CompareAndSwapCallState(ctx, s.rdb, p.CallID, "ringing", "answered", CallWindow)
		if err != nil {
			return fmt.Errorf("call: cas answered (from ringing): %w", err)
		}
		if !ok {
			return ErrInvalidState
		}
	}
	if err := s.repo.markAnswered(ctx, p.CallID); err != nil {
		return err
	}
	s.wheel.Schedule(p.CallID, time.Now().Add(CallWindow))

	frame, err := protocol.Encode(protocol.TypeCallAnswer, "", protocol.CallAnswerPayload{
		CallID: p.CallID, From: p.From, To: p.To, Timestamp: p.Timestamp,
		Nonce: p.Nonce, Ciphertext: p.Ciphertext, Signature: p.Signature,
	})
	if err != nil {
		return fmt.Errorf("call: encode call_answer: %w", err)
	}
	s.delivery.SendTo(p.To, frame)
	return nil
}

// ICECandidate relays an ICE candidate to the peer without changing call state, as long as the
// call has not ended.
func (s *Service) ICECandidate(ctx context.Context, p protocol.CallICECandidatePayload, actorWhisperID string) error {
	if err := s.verify(ctx, protocol.TypeCallICECandidate, p.CallID, p.From, p.To, p.Timestamp, p.Nonce, p.Ciphertext, p.Signature); err != nil {
		return err
	}
	if p.From != actorWhisperID {
		return ErrNotParticipant
	}

	state, err := valkey.GetCallState(ctx, s.rdb, p.CallID)
	if err != nil {
		return ErrCallNotFound
	}
	if state == "ended" {
		return ErrInvalidState
	}

	frame, err := protocol.Encode(protocol.TypeCallICECandidate, "", protocol.CallICECandidatePayload{
		CallID: p.CallID, From: p.From, To: p.To, Timestamp: p.Timestamp,
		Nonce: p.Nonce, Ciphertext: p.Ciphertext, Signature: p.Signature,
	})
	if err != nil {
		return fmt.Errorf("call: encode call_ice_candidate: %w", err)
	}
	s.delivery.SendTo(p.To, frame)
	return nil
}

// End transitions any non-terminal state to ended(reason), relayed to the peer.
func (s *Service) End(ctx context.Context, p protocol.CallEndPayload, actorWhisperID string) error {
	if err := s.verify(ctx, protocol.TypeCallEnd, p.CallID, p.From, p.To, p.Timestamp, p.Nonce, p.Ciphertext, p.Signature); err != nil {
		return err
	}
	if p.From != actorWhisperID {
		return ErrNotParticipant
	}

	ok, err := valkey.CompareAndSwapCallState(ctx, s.rdb, p.CallID, "", "ended", CallWindow)
	if err != nil {
		return fmt.Errorf("call: cas ended: %w", err)
	}
	if !ok {
		return ErrInvalidState
	}
	s.wheel.Cancel(p.CallID)
	if err := s.repo.markEnded(ctx, p.CallID, p.Reason); err != nil {
		return err
	}
	if err := valkey.DeleteCallState(ctx, s.rdb, p.CallID); err != nil {
		s.log.Warn().Err(err).Msg("call: delete live state after end")
	}

	frame, err := protocol.Encode(protocol.TypeCallEnd, "", protocol.CallEndPayload{
		CallID: p.CallID, From: p.From, To: p.To, Reason: p.Reason, Timestamp: p.Timestamp,
		Nonce: p.Nonce, Ciphertext: p.Ciphertext, Signature: p.Signature,
	})
	if err != nil {
		return fmt.Errorf("call: encode call_end: %w", err)
	}
	s.delivery.SendTo(p.To, frame)
	return nil
}

// onTimeout is invoked by the timeout wheel for a call whose window elapsed without reaching
// a terminal state. It synthesizes call_end{reason:"timeout"} to both parties.
func (s *Service) onTimeout(ctx context.Context, callID string) {
	ok, err := valkey.CompareAndSwapCallState(ctx, s.rdb, callID, "", "ended", CallWindow)
	if err != nil {
		s.log.Error().Err(err).Str("callId", callID).Msg("call: timeout cas failed")
		return
	}
	if !ok {
		return // already ended through a normal transition
	}

	if err := s.repo.markEnded(ctx, callID, "timeout"); err != nil {
		s.log.Error().Err(err).Str("callId", callID).Msg("call: mark timeout ended")
		return
	}
	rec, err := s.repo.get(ctx, callID)
	if err != nil || rec == nil {
		return
	}
	_ = valkey.DeleteCallState(ctx, s.rdb, callID)

	frame, err := protocol.Encode(protocol.TypeCallEnd, "", protocol.CallEndPayload{
		CallID: callID, From: "server", To: rec.CalleeID, Reason: "timeout", Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		s.log.Error().Err(err).Msg("call: encode synthesized call_end")
		return
	}
	s.delivery.SendTo(rec.CallerID, frame)
	s.delivery.SendTo(rec.CalleeID, frame)
}

func (s *Service) verify(ctx context.Context, msgType protocol.MessageType, callID, from, to string, timestampMS int64, nonceB64, ciphertextB64, sigB64 string) error {
	key, banned, found, err := s.lookup.SignPublicKey(ctx, from)
	if err != nil {
		return fmt.Errorf("call: lookup actor: %w", err)
	}
	if !found || banned {
		return ErrNotParticipant
	}

	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return fmt.Errorf("%w: bad nonce encoding", ErrSignatureInvalid)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return fmt.Errorf("%w: bad ciphertext encoding", ErrSignatureInvalid)
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding", ErrSignatureInvalid)
	}

	if _, err := uuid.Parse(callID); err != nil {
		return fmt.Errorf("%w: callId must be a uuid", ErrSignatureInvalid)
	}

	if err := signing.Verify(signing.Fields{
		MessageType: string(msgType),
		MessageID:   callID,
		From:        from,
		ToOrGroupID: to,
		TimestampMS: timestampMS,
		Nonce:       nonce,
		Ciphertext:  ciphertext,
	}, sig, key); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}
