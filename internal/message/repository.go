package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const selectColumns = `message_id, recipient_id, sender_id, COALESCE(group_id, ''), msg_type, timestamp_ms,
nonce, ciphertext, sig, COALESCE(reply_to, ''), COALESCE(reactions, ''),
COALESCE(attachment_pointer, ''), received_at, delivered_at`

// PGRepository implements the pending-message store using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed pending message repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Insert persists a new pending message, assigning receivedAt server-side.
func (r *PGRepository) Insert(ctx context.Context, p Pending) (receivedAt time.Time, err error) {
	var groupID, replyTo any
	if p.GroupID != "" {
		groupID = p.GroupID
	}
	if p.ReplyTo != "" {
		replyTo = p.ReplyTo
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO pending_messages
			(message_id, recipient_id, sender_id, group_id, msg_type, timestamp_ms,
			 nonce, ciphertext, sig, reply_to, reactions, attachment_pointer)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), NULLIF($12, ''))
		 RETURNING received_at`,
		p.MessageID, p.RecipientID, p.SenderID, groupID, p.MsgType, p.TimestampMS,
		p.Nonce, p.Ciphertext, p.Signature, replyTo, p.Reactions, p.AttachmentPointer,
	)
	if err := row.Scan(&receivedAt); err != nil {
		return time.Time{}, fmt.Errorf("insert pending message: %w", err)
	}
	return receivedAt, nil
}

// MarkDelivered stamps deliveredAt without removing the row: the "enqueued but not yet acked"
// state between live delivery and the recipient's delivery_receipt.
func (r *PGRepository) MarkDelivered(ctx context.Context, messageID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `UPDATE pending_messages SET delivered_at = now() WHERE message_id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("mark message delivered: %w", err)
	}
	return nil
}

// Remove deletes a pending message once the recipient confirms status=delivered.
func (r *PGRepository) Remove(ctx context.Context, messageID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM pending_messages WHERE message_id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("remove pending message: %w", err)
	}
	return nil
}

// Get returns a pending message by id, or ErrNotFound.
func (r *PGRepository) Get(ctx context.Context, messageID uuid.UUID) (*Pending, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM pending_messages WHERE message_id = $1", messageID)
	p, err := scanPending(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get pending message: %w", err)
	}
	return p, nil
}

// FetchPage returns up to limit pending messages for recipientID in (timestamp, receivedAt,
// messageId) order, strictly after cursor when provided.
func (r *PGRepository) FetchPage(ctx context.Context, recipientID string, cursor *Cursor, limit int) ([]Pending, error) {
	var rows pgx.Rows
	var err error

	if cursor == nil {
		rows, err = r.db.Query(ctx,
			`SELECT `+selectColumns+`
			 FROM pending_messages
			 WHERE recipient_id = $1
			 ORDER BY timestamp_ms, received_at, message_id
			 LIMIT $2`, recipientID, limit)
	} else {
		rows, err = r.db.Query(ctx,
			`SELECT `+selectColumns+`
			 FROM pending_messages
			 WHERE recipient_id = $1
			   AND (timestamp_ms, received_at, message_id) > ($2, $3, $4)
			 ORDER BY timestamp_ms, received_at, message_id
			 LIMIT $5`, recipientID, cursor.TimestampMS, cursor.ReceivedAt, cursor.MessageID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch pending page: %w", err)
	}
	defer rows.Close()

	var out []Pending
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending message: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPending(row pgx.Row) (*Pending, error) {
	var p Pending
	err := row.Scan(&p.MessageID, &p.RecipientID, &p.SenderID, &p.GroupID, &p.MsgType, &p.TimestampMS,
		&p.Nonce, &p.Ciphertext, &p.Signature, &p.ReplyTo, &p.Reactions,
		&p.AttachmentPointer, &p.ReceivedAt, &p.DeliveredAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
