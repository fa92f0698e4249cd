package group

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Group mirrors the groups table.
type Group struct {
	GroupID   string
	Title     string
	OwnerID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Member mirrors an active row in group_members.
type Member struct {
	GroupID  string
	WhisperID string
	Role     string
	JoinedAt time.Time
}

type repository struct {
	db *pgxpool.Pool
}

func newRepository(db *pgxpool.Pool) *repository {
	return &repository{db: db}
}

func (r *repository) createGroup(ctx context.Context, q pgxQuerier, groupID, title, ownerID string) error {
	_, err := q.Exec(ctx, `INSERT INTO groups (group_id, title, owner_id) VALUES ($1, $2, $3)`, groupID, title, ownerID)
	if err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

func (r *repository) getGroup(ctx context.Context, q pgxQuerier, groupID string) (*Group, error) {
	row := q.QueryRow(ctx, `SELECT group_id, title, owner_id, created_at, updated_at FROM groups WHERE group_id = $1`, groupID)
	var g Group
	if err := row.Scan(&g.GroupID, &g.Title, &g.OwnerID, &g.CreatedAt, &g.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get group: %w", err)
	}
	return &g, nil
}

func (r *repository) updateTitle(ctx context.Context, q pgxQuerier, groupID, title string) error {
	_, err := q.Exec(ctx, `UPDATE groups SET title = $2, updated_at = now() WHERE group_id = $1`, groupID, title)
	if err != nil {
		return fmt.Errorf("update group title: %w", err)
	}
	return nil
}

func (r *repository) addMember(ctx context.Context, q pgxQuerier, groupID, whisperID, role string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO group_members (group_id, whisper_id, role) VALUES ($1, $2, $3)`,
		groupID, whisperID, role)
	if err != nil {
		return fmt.Errorf("insert group member: %w", err)
	}
	return nil
}

func (r *repository) removeMember(ctx context.Context, q pgxQuerier, groupID, whisperID string) error {
	tag, err := q.Exec(ctx, `
		UPDATE group_members SET removed_at = now()
		WHERE group_id = $1 AND whisper_id = $2 AND removed_at IS NULL`, groupID, whisperID)
	if err != nil {
		return fmt.Errorf("remove group member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotMember
	}
	return nil
}

func (r *repository) changeRole(ctx context.Context, q pgxQuerier, groupID, whisperID, role string) error {
	tag, err := q.Exec(ctx, `
		UPDATE group_members SET role = $3
		WHERE group_id = $1 AND whisper_id = $2 AND removed_at IS NULL`, groupID, whisperID, role)
	if err != nil {
		return fmt.Errorf("change group member role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotMember
	}
	return nil
}

// activeMember returns the active membership row for (groupID, whisperID), or nil if absent.
func (r *repository) activeMember(ctx context.Context, q pgxQuerier, groupID, whisperID string) (*Member, error) {
	row := q.QueryRow(ctx, `
		SELECT group_id, whisper_id, role, joined_at FROM group_members
		WHERE group_id = $1 AND whisper_id = $2 AND removed_at IS NULL`, groupID, whisperID)
	var m Member
	if err := row.Scan(&m.GroupID, &m.WhisperID, &m.Role, &m.JoinedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get active member: %w", err)
	}
	return &m, nil
}

// activeMembers returns every active member of groupID.
func (r *repository) activeMembers(ctx context.Context, q pgxQuerier, groupID string) ([]Member, error) {
	rows, err := q.Query(ctx, `
		SELECT group_id, whisper_id, role, joined_at FROM group_members
		WHERE group_id = $1 AND removed_at IS NULL
		ORDER BY joined_at`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list active members: %w", err)
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.GroupID, &m.WhisperID, &m.Role, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan active member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// pgxQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
