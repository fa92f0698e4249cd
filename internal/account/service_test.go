package account

import (
	"context"
	"crypto/ed25519"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/whisper-msg/whisper-server/internal/postgres"
	"github.com/whisper-msg/whisper-server/internal/signing"
	"github.com/whisper-msg/whisper-server/internal/wireid"
)

func TestNewSessionTokenIsURLSafeAndUnique(t *testing.T) {
	t.Parallel()

	a := newSessionToken()
	b := newSessionToken()

	if a == b {
		t.Fatal("newSessionToken() produced the same token twice")
	}
	if len(a) < 32 {
		t.Errorf("newSessionToken() length = %d, want at least 32 (>=128 bits base64)", len(a))
	}
	for _, c := range a {
		if c == '+' || c == '/' {
			t.Errorf("newSessionToken() contains non-url-safe character %q", c)
		}
	}
}

// testDatabase connects to a real Postgres instance for integration tests exercising the
// repository layer. It is skipped unless TEST_DATABASE_URL is set, since this package's unit
// tests must run without a live database.
func testDatabase(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := postgres.Connect(ctx, dsn, 5, 1)
	if err != nil {
		t.Fatalf("connect to test database: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

type fakeNotifier struct {
	sent []string
}

func (f *fakeNotifier) SendTo(whisperID string, frame []byte) bool {
	f.sent = append(f.sent, whisperID)
	return true
}

func TestRegisterProofFullCycle(t *testing.T) {
	t.Parallel()
	db := testDatabase(t)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	notifier := &fakeNotifier{}
	svc := New(db, rdb, Config{
		SessionTTL:          7 * 24 * time.Hour,
		SessionRefreshUnder: 24 * time.Hour,
		ChallengeTTL:        60 * time.Second,
		TimestampSkew:       10 * time.Minute,
	}, notifier, zerolog.Nop())

	ctx := context.Background()
	begin, err := svc.RegisterBegin(ctx, "")
	if err != nil {
		t.Fatalf("RegisterBegin() error = %v", err)
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	sig := signing.SignChallenge(begin.Challenge, priv)

	ack, err := svc.RegisterProof(ctx, ProofInput{
		ChallengeID:   begin.ChallengeID,
		DeviceID:      "device-1",
		Platform:      "android",
		EncPublicKey:  pub,
		SignPublicKey: pub,
		Signature:     sig,
	})
	if err != nil {
		t.Fatalf("RegisterProof() error = %v", err)
	}
	if ack.WhisperID == "" {
		t.Error("RegisterProof() returned empty whisperId")
	}
}

// TestRegisterProofRecoveryRequiresExistingAccount exercises the register_begin(whisperId)
// recovery path: a challenge scoped to a whisperId that has no Account must fail with
// ErrAccountNotFound rather than silently provisioning one under the client-supplied id.
func TestRegisterProofRecoveryRequiresExistingAccount(t *testing.T) {
	t.Parallel()
	db := testDatabase(t)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	svc := New(db, rdb, Config{
		SessionTTL:          7 * 24 * time.Hour,
		SessionRefreshUnder: 24 * time.Hour,
		ChallengeTTL:        60 * time.Second,
		TimestampSkew:       10 * time.Minute,
	}, &fakeNotifier{}, zerolog.Nop())

	ctx := context.Background()

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	// Derive from a second, unrelated key so the candidate whisperId is checksum-valid but
	// was never actually derived from (and never bound to) the account that attempts to
	// recover under it.
	otherPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	fabricated, err := wireid.DeriveWithAttempt(otherPub, 0)
	if err != nil {
		t.Fatalf("DeriveWithAttempt() error = %v", err)
	}

	begin, err := svc.RegisterBegin(ctx, fabricated)
	if err != nil {
		t.Fatalf("RegisterBegin() error = %v", err)
	}

	sig := signing.SignChallenge(begin.Challenge, priv)

	_, err = svc.RegisterProof(ctx, ProofInput{
		ChallengeID:   begin.ChallengeID,
		DeviceID:      "device-1",
		Platform:      "android",
		WhisperID:     fabricated,
		EncPublicKey:  pub,
		SignPublicKey: pub,
		Signature:     sig,
	})
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("RegisterProof() error = %v, want ErrAccountNotFound", err)
	}
}

// TestRegisterProofRecoveryOwnerMismatch exercises the register_begin(whisperId) recovery
// path when the proof's whisperId field disagrees with the whisperId the challenge was
// scoped to.
func TestRegisterProofRecoveryOwnerMismatch(t *testing.T) {
	t.Parallel()
	db := testDatabase(t)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	svc := New(db, rdb, Config{
		SessionTTL:          7 * 24 * time.Hour,
		SessionRefreshUnder: 24 * time.Hour,
		ChallengeTTL:        60 * time.Second,
		TimestampSkew:       10 * time.Minute,
	}, &fakeNotifier{}, zerolog.Nop())

	ctx := context.Background()

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	boundWhisperID, err := wireid.DeriveWithAttempt(pub, 0)
	if err != nil {
		t.Fatalf("DeriveWithAttempt() error = %v", err)
	}

	begin, err := svc.RegisterBegin(ctx, boundWhisperID)
	if err != nil {
		t.Fatalf("RegisterBegin() error = %v", err)
	}

	sig := signing.SignChallenge(begin.Challenge, priv)

	_, err = svc.RegisterProof(ctx, ProofInput{
		ChallengeID:   begin.ChallengeID,
		DeviceID:      "device-1",
		Platform:      "android",
		WhisperID:     "some-other-whisperid-entirely",
		EncPublicKey:  pub,
		SignPublicKey: pub,
		Signature:     sig,
	})
	if !errors.Is(err, ErrOwnerMismatch) {
		t.Fatalf("RegisterProof() error = %v, want ErrOwnerMismatch", err)
	}
}
