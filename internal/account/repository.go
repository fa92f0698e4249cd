package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/whisper-msg/whisper-server/internal/postgres"
)

// Account mirrors the accounts table.
type Account struct {
	WhisperID     string
	EncPublicKey  []byte
	SignPublicKey []byte
	Status        string
	CreatedAt     time.Time
}

// Session mirrors the sessions table.
type Session struct {
	SessionToken string
	WhisperID    string
	DeviceID     string
	Platform     string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

type repository struct {
	db *pgxpool.Pool
}

func newRepository(db *pgxpool.Pool) *repository {
	return &repository{db: db}
}

func (r *repository) getAccount(ctx context.Context, q pgxQuerier, whisperID string) (*Account, error) {
	row := q.QueryRow(ctx, `
		SELECT whisper_id, enc_public_key, sign_public_key, status, created_at
		FROM accounts WHERE whisper_id = $1`, whisperID)

	var a Account
	if err := row.Scan(&a.WhisperID, &a.EncPublicKey, &a.SignPublicKey, &a.Status, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

func (r *repository) findAccountBySignKey(ctx context.Context, q pgxQuerier, signPublicKey []byte) (*Account, error) {
	row := q.QueryRow(ctx, `
		SELECT whisper_id, enc_public_key, sign_public_key, status, created_at
		FROM accounts WHERE sign_public_key = $1`, signPublicKey)

	var a Account
	if err := row.Scan(&a.WhisperID, &a.EncPublicKey, &a.SignPublicKey, &a.Status, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find account by sign key: %w", err)
	}
	return &a, nil
}

// insertAccount creates whisperId's row. Two RegisterProof calls racing on the same derived or
// recovery whisperId both pass the pre-transaction getAccount check; the accounts table's
// primary key turns the loser's insert into a unique violation, which is returned as
// ErrConcurrentRegistration instead of a raw pg error; RegisterProof passes it on without retrying.
func (r *repository) insertAccount(ctx context.Context, q pgxQuerier, a Account) error {
	_, err := q.Exec(ctx, `
		INSERT INTO accounts (whisper_id, enc_public_key, sign_public_key, status)
		VALUES ($1, $2, $3, 'active')`,
		a.WhisperID, a.EncPublicKey, a.SignPublicKey)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %v", ErrConcurrentRegistration, err)
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (r *repository) upsertPushToken(ctx context.Context, q pgxQuerier, whisperID, deviceID, pushToken, voipToken string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO push_tokens (whisper_id, device_id, push_token, voip_token, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), now())
		ON CONFLICT (whisper_id, device_id) DO UPDATE SET
			push_token = COALESCE(NULLIF(EXCLUDED.push_token, ''), push_tokens.push_token),
			voip_token = COALESCE(NULLIF(EXCLUDED.voip_token, ''), push_tokens.voip_token),
			updated_at = now()`,
		whisperID, deviceID, pushToken, voipToken)
	if err != nil {
		return fmt.Errorf("upsert push token: %w", err)
	}
	return nil
}

// PushToken mirrors one row of the push_tokens table.
type PushToken struct {
	DeviceID  string
	Token     string
	VoipToken string
}

// listPushTokens returns every device's push/VoIP tokens registered for whisperID.
func (r *repository) listPushTokens(ctx context.Context, q pgxQuerier, whisperID string) ([]PushToken, error) {
	rows, err := q.Query(ctx, `
		SELECT device_id, COALESCE(push_token, ''), COALESCE(voip_token, '')
		FROM push_tokens WHERE whisper_id = $1`, whisperID)
	if err != nil {
		return nil, fmt.Errorf("list push tokens: %w", err)
	}
	defer rows.Close()

	var tokens []PushToken
	for rows.Next() {
		var t PushToken
		if err := rows.Scan(&t.DeviceID, &t.Token, &t.VoipToken); err != nil {
			return nil, fmt.Errorf("scan push token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// revokeSessions deletes every session for whisperID, returning the deleted tokens so the
// caller can fan out force_logout to their live connections.
func (r *repository) revokeSessions(ctx context.Context, q pgxQuerier, whisperID string) ([]string, error) {
	rows, err := q.Query(ctx, `DELETE FROM sessions WHERE whisper_id = $1 RETURNING session_token`, whisperID)
	if err != nil {
		return nil, fmt.Errorf("revoke sessions: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("scan revoked session token: %w", err)
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

func (r *repository) insertSession(ctx context.Context, q pgxQuerier, s Session) error {
	_, err := q.Exec(ctx, `
		INSERT INTO sessions (session_token, whisper_id, device_id, platform, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		s.SessionToken, s.WhisperID, s.DeviceID, s.Platform, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *repository) getSession(ctx context.Context, q pgxQuerier, sessionToken string) (*Session, error) {
	row := q.QueryRow(ctx, `
		SELECT session_token, whisper_id, device_id, platform, created_at, expires_at
		FROM sessions WHERE session_token = $1`, sessionToken)

	var s Session
	if err := row.Scan(&s.SessionToken, &s.WhisperID, &s.DeviceID, &s.Platform, &s.CreatedAt, &s.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}

func (r *repository) replaceSessionToken(ctx context.Context, q pgxQuerier, oldToken, newToken string, newExpiry time.Time) error {
	tag, err := q.Exec(ctx, `
		UPDATE sessions SET session_token = $2, expires_at = $3
		WHERE session_token = $1`,
		oldToken, newToken, newExpiry)
	if err != nil {
		return fmt.Errorf("replace session token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *repository) deleteSession(ctx context.Context, q pgxQuerier, sessionToken string) error {
	_, err := q.Exec(ctx, `DELETE FROM sessions WHERE session_token = $1`, sessionToken)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// pgxQuerier is satisfied by both *pgxpool.Pool and pgx.Tx, letting repository methods run
// either standalone or inside postgres.WithTx.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
