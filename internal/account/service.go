// Package account implements AuthService: challenge issuance, signature verification,
// session mint/refresh/revoke, and push-token updates.
package account

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/whisper-msg/whisper-server/internal/postgres"
	"github.com/whisper-msg/whisper-server/internal/protocol"
	"github.com/whisper-msg/whisper-server/internal/signing"
	"github.com/whisper-msg/whisper-server/internal/valkey"
	"github.com/whisper-msg/whisper-server/internal/wireid"
)

// Config carries the tunable values AuthService needs from the global configuration.
type Config struct {
	SessionTTL          time.Duration
	SessionRefreshUnder time.Duration
	ChallengeTTL        time.Duration
	TimestampSkew       time.Duration
}

// Notifier delivers a force_logout frame to a whisperId's live connection, if any. Satisfied
// by the gateway's ConnectionRegistry; account does not depend on the gateway package
// directly to avoid an import cycle.
type Notifier interface {
	SendTo(whisperID string, frame []byte) bool
}

// Service implements AuthService.
type Service struct {
	db       *pgxpool.Pool
	rdb      *redis.Client
	repo     *repository
	cfg      Config
	notifier Notifier
	log      zerolog.Logger
}

// New constructs a Service over the given stores.
func New(db *pgxpool.Pool, rdb *redis.Client, cfg Config, notifier Notifier, log zerolog.Logger) *Service {
	return &Service{db: db, rdb: rdb, repo: newRepository(db), cfg: cfg, notifier: notifier, log: log}
}

// BeginResult is returned by RegisterBegin.
type BeginResult struct {
	ChallengeID string
	Challenge   []byte
	ExpiresAt   time.Time
}

// RegisterBegin issues a fresh challenge, optionally scoped to an existing account for the
// recovery path.
func (s *Service) RegisterBegin(ctx context.Context, whisperID string) (*BeginResult, error) {
	if whisperID != "" {
		if err := wireid.Validate(whisperID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidWhisperIDFormat, err)
		}
	}

	challengeBytes := make([]byte, 32)
	if _, err := rand.Read(challengeBytes); err != nil {
		return nil, fmt.Errorf("account: generate challenge: %w", err)
	}

	challengeID := uuid.NewString()
	if err := valkey.PutChallenge(ctx, s.rdb, challengeID, whisperID, challengeBytes, s.cfg.ChallengeTTL); err != nil {
		return nil, fmt.Errorf("account: store challenge: %w", err)
	}

	return &BeginResult{
		ChallengeID: challengeID,
		Challenge:   challengeBytes,
		ExpiresAt:   time.Now().Add(s.cfg.ChallengeTTL),
	}, nil
}

// ProofInput is the client-presented registration proof.
type ProofInput struct {
	ChallengeID   string
	DeviceID      string
	Platform      string
	WhisperID     string // optional; must match the derived/owning whisperId if present
	EncPublicKey  []byte // 32B
	SignPublicKey []byte // 32B
	Signature     []byte // 64B, over SHA-256(challengeBytes)
	PushToken     string
	VoipToken     string
}

// AckResult is returned on successful proof.
type AckResult struct {
	WhisperID        string
	SessionToken     string
	SessionExpiresAt time.Time
	ServerTime       time.Time
}

// RegisterProof validates a registration proof and mints a session, displacing any prior
// session for the account.
func (s *Service) RegisterProof(ctx context.Context, in ProofInput) (*AckResult, error) {
	if in.Platform != "android" && in.Platform != "ios" && in.Platform != "web" {
		return nil, ErrInvalidPlatform
	}
	if len(in.EncPublicKey) != 32 || len(in.SignPublicKey) != 32 {
		return nil, fmt.Errorf("%w: keys must be 32 bytes", ErrSignatureInvalid)
	}

	boundWhisperID, challengeBytes, err := valkey.ConsumeChallenge(ctx, s.rdb, in.ChallengeID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChallengeAlreadyConsumed, err)
	}

	if err := signing.VerifyChallenge(challengeBytes, in.Signature, ed25519.PublicKey(in.SignPublicKey)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	whisperID, err := s.resolveWhisperID(ctx, in.WhisperID, boundWhisperID, in.SignPublicKey)
	if err != nil {
		return nil, err
	}

	var sessionToken string
	var sessionExpiresAt time.Time
	var revokedTokens []string

	err = postgres.WithTx(ctx, s.db, s.log, func(tx pgx.Tx) error {
		existing, err := s.repo.getAccount(ctx, tx, whisperID)
		if err != nil {
			return err
		}
		if existing == nil {
			if err := s.repo.insertAccount(ctx, tx, Account{
				WhisperID:     whisperID,
				EncPublicKey:  in.EncPublicKey,
				SignPublicKey: in.SignPublicKey,
			}); err != nil {
				return err
			}
		} else {
			if existing.Status == "banned" {
				return ErrAccountBanned
			}
			if subtle.ConstantTimeCompare(existing.SignPublicKey, in.SignPublicKey) != 1 {
				return ErrKeysImmutable
			}
		}

		if err := s.repo.upsertPushToken(ctx, tx, whisperID, in.DeviceID, in.PushToken, in.VoipToken); err != nil {
			return err
		}

		revokedTokens, err = s.repo.revokeSessions(ctx, tx, whisperID)
		if err != nil {
			return err
		}

		sessionToken = newSessionToken()
		sessionExpiresAt = time.Now().Add(s.cfg.SessionTTL)
		return s.repo.insertSession(ctx, tx, Session{
			SessionToken: sessionToken,
			WhisperID:    whisperID,
			DeviceID:     in.DeviceID,
			Platform:     in.Platform,
			ExpiresAt:    sessionExpiresAt,
		})
	})
	if err != nil {
		return nil, err
	}

	if len(revokedTokens) > 0 {
		s.notifyForceLogout(whisperID, "new_device")
	}

	return &AckResult{
		WhisperID:        whisperID,
		SessionToken:     sessionToken,
		SessionExpiresAt: sessionExpiresAt,
		ServerTime:       time.Now(),
	}, nil
}

// resolveWhisperID implements the recovery vs. fresh-registration branching from the register
// proof contract: a challenge scoped to an existing whisperId must match it; a fresh
// registration derives one, retrying with the SHA-256 extension counter on collision against
// a different key.
func (s *Service) resolveWhisperID(ctx context.Context, claimedWhisperID, boundWhisperID string, signPublicKey []byte) (string, error) {
	if boundWhisperID != "" {
		if claimedWhisperID != "" && claimedWhisperID != boundWhisperID {
			return "", ErrOwnerMismatch
		}
		// The recovery path requires boundWhisperID to already own an Account; a
		// checksum-valid but never-derived whisperId must not silently provision one.
		existing, err := s.repo.getAccount(ctx, s.db, boundWhisperID)
		if err != nil {
			return "", err
		}
		if existing == nil {
			return "", ErrAccountNotFound
		}
		return boundWhisperID, nil
	}

	for attempt := 0; attempt < 8; attempt++ {
		candidate, err := wireid.DeriveWithAttempt(signPublicKey, attempt)
		if err != nil {
			return "", fmt.Errorf("account: derive whisperId: %w", err)
		}

		existing, err := s.repo.findAccountBySignKey(ctx, s.db, signPublicKey)
		if err != nil {
			return "", err
		}
		if existing != nil {
			if claimedWhisperID != "" && claimedWhisperID != existing.WhisperID {
				return "", ErrOwnerMismatch
			}
			return existing.WhisperID, nil
		}

		owner, err := s.repo.getAccount(ctx, s.db, candidate)
		if err != nil {
			return "", err
		}
		if owner == nil {
			if claimedWhisperID != "" && claimedWhisperID != candidate {
				return "", ErrOwnerMismatch
			}
			return candidate, nil
		}
		// candidate collided with a different key's account; extend and retry.
	}
	return "", fmt.Errorf("account: could not derive a unique whisperId after retries")
}

// RefreshResult is returned by RefreshSession.
type RefreshResult struct {
	SessionToken     string
	SessionExpiresAt time.Time
	ServerTime       time.Time
}

// RefreshSession rotates a session's token and extends its expiry. Allowed unconditionally;
// the caller enforces the "remaining lifetime < SessionRefreshUnder" UX hint client-side, but
// the server honors any refresh request from a valid token.
func (s *Service) RefreshSession(ctx context.Context, sessionToken string) (*RefreshResult, error) {
	session, err := s.repo.getSession(ctx, s.db, sessionToken)
	if err != nil {
		return nil, err
	}
	if session == nil || session.ExpiresAt.Before(time.Now()) {
		return nil, ErrSessionNotFound
	}

	newToken := newSessionToken()
	newExpiry := time.Now().Add(s.cfg.SessionTTL)

	if err := s.repo.replaceSessionToken(ctx, s.db, sessionToken, newToken, newExpiry); err != nil {
		return nil, err
	}

	return &RefreshResult{SessionToken: newToken, SessionExpiresAt: newExpiry, ServerTime: time.Now()}, nil
}

// Logout destroys the session identified by sessionToken.
func (s *Service) Logout(ctx context.Context, sessionToken string) error {
	return s.repo.deleteSession(ctx, s.db, sessionToken)
}

// UpdateTokens idempotently upserts push/VoIP tokens for (whisperId, deviceId).
func (s *Service) UpdateTokens(ctx context.Context, whisperID, deviceID, pushToken, voipToken string) error {
	return s.repo.upsertPushToken(ctx, s.db, whisperID, deviceID, pushToken, voipToken)
}

// ListPushTokens returns every device's registered push/VoIP tokens for whisperID, used by
// PushDispatcher to choose a wake channel.
func (s *Service) ListPushTokens(ctx context.Context, whisperID string) ([]PushToken, error) {
	return s.repo.listPushTokens(ctx, s.db, whisperID)
}

// ValidateSession resolves a sessionToken to a live, unexpired Session, used by the gateway's
// auth gate.
func (s *Service) ValidateSession(ctx context.Context, sessionToken string) (*Session, error) {
	session, err := s.repo.getSession(ctx, s.db, sessionToken)
	if err != nil {
		return nil, err
	}
	if session == nil || session.ExpiresAt.Before(time.Now()) {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// GetAccount returns the account for whisperID, or nil if it does not exist.
func (s *Service) GetAccount(ctx context.Context, whisperID string) (*Account, error) {
	return s.repo.getAccount(ctx, s.db, whisperID)
}

// SignPublicKey resolves whisperID's signing key and ban status, satisfying the
// RecipientLookup contract shared by MessageRouter, GroupService, and CallService.
func (s *Service) SignPublicKey(ctx context.Context, whisperID string) (key ed25519.PublicKey, banned bool, found bool, err error) {
	account, err := s.repo.getAccount(ctx, s.db, whisperID)
	if err != nil {
		return nil, false, false, err
	}
	if account == nil {
		return nil, false, false, nil
	}
	return ed25519.PublicKey(account.SignPublicKey), account.Status == "banned", true, nil
}

func (s *Service) notifyForceLogout(whisperID, reason string) {
	frame, err := protocol.Encode(protocol.TypeForceLogout, "", protocol.ForceLogoutPayload{Reason: reason})
	if err != nil {
		s.log.Error().Err(err).Msg("account: encode force_logout frame")
		return
	}
	s.notifier.SendTo(whisperID, frame)
}

func newSessionToken() string {
	b := make([]byte, 24) // >= 128 bits, url-safe, cryptographically random
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("account: read random bytes for session token: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
