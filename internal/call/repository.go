package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record mirrors a durable row in the calls table, written on initiate and on every terminal
// transition. The live authoritative state during a call's lifetime is valkey's call:{id} key;
// this table is the history record consulted for "no active call between these parties" checks
// and post-hoc auditing.
type Record struct {
	CallID     string
	CallerID   string
	CalleeID   string
	State      string
	IsVideo    bool
	EndReason  string
	CreatedAt  time.Time
	AnsweredAt *time.Time
	EndedAt    *time.Time
}

type repository struct {
	db *pgxpool.Pool
}

func newRepository(db *pgxpool.Pool) *repository {
	return &repository{db: db}
}

func (r *repository) insert(ctx context.Context, rec Record) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO calls (call_id, caller_id, callee_id, state, is_video)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.CallID, rec.CallerID, rec.CalleeID, rec.State, rec.IsVideo)
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

func (r *repository) get(ctx context.Context, callID string) (*Record, error) {
	row := r.db.QueryRow(ctx, `
		SELECT call_id, caller_id, callee_id, state, is_video, COALESCE(end_reason, ''), created_at, answered_at, ended_at
		FROM calls WHERE call_id = $1`, callID)
	var rec Record
	if err := row.Scan(&rec.CallID, &rec.CallerID, &rec.CalleeID, &rec.State, &rec.IsVideo, &rec.EndReason,
		&rec.CreatedAt, &rec.AnsweredAt, &rec.EndedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get call: %w", err)
	}
	return &rec, nil
}

// hasActiveCall reports whether caller/callee (in either direction) have a non-ended call.
func (r *repository) hasActiveCall(ctx context.Context, a, b string) (bool, error) {
	row := r.db.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM calls
			WHERE state != 'ended'
			  AND ((caller_id = $1 AND callee_id = $2) OR (caller_id = $2 AND callee_id = $1))
		)`, a, b)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("check active call: %w", err)
	}
	return exists, nil
}

func (r *repository) markAnswered(ctx context.Context, callID string) error {
	_, err := r.db.Exec(ctx, `UPDATE calls SET state = 'answered', answered_at = now() WHERE call_id = $1`, callID)
	if err != nil {
		return fmt.Errorf("mark call answered: %w", err)
	}
	return nil
}

func (r *repository) markRinging(ctx context.Context, callID string) error {
	_, err := r.db.Exec(ctx, `UPDATE calls SET state = 'ringing' WHERE call_id = $1`, callID)
	if err != nil {
		return fmt.Errorf("mark call ringing: %w", err)
	}
	return nil
}

func (r *repository) markEnded(ctx context.Context, callID, reason string) error {
	_, err := r.db.Exec(ctx, `UPDATE calls SET state = 'ended', end_reason = $2, ended_at = now() WHERE call_id = $1`, callID, reason)
	if err != nil {
		return fmt.Errorf("mark call ended: %w", err)
	}
	return nil
}
