// Package message implements MessageRouter: direct send, persistence, live-deliver-or-queue,
// receipt handling, and paginated pending-message fetch.
package message

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/whisper-msg/whisper-server/internal/protocol"
	"github.com/whisper-msg/whisper-server/internal/signing"
)

// Sentinel errors for the message package.
var (
	ErrNotFound          = errors.New("pending message not found")
	ErrRecipientNotFound = errors.New("recipient account not found or banned")
	ErrTimestampSkew     = errors.New("timestamp outside allowed skew")
	ErrSignatureInvalid  = errors.New("message signature does not verify")
	ErrLimitOutOfRange   = errors.New("limit must be between 1 and 100")
)

// DefaultLimit and MaxLimit bound fetchPending page sizes.
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Pending mirrors the pending_messages table: an envelope in flight between persistence and
// the recipient's delivery_receipt(delivered).
type Pending struct {
	MessageID         uuid.UUID
	RecipientID       string
	SenderID          string
	GroupID           string
	MsgType           string
	TimestampMS       int64
	Nonce             []byte
	Ciphertext        []byte
	Signature         []byte
	ReplyTo           string
	Reactions         string
	AttachmentPointer string
	ReceivedAt        time.Time
	DeliveredAt       *time.Time
}

// Repository defines the pending-message data-access contract.
type Repository interface {
	Insert(ctx context.Context, p Pending) (receivedAt time.Time, err error)
	MarkDelivered(ctx context.Context, messageID uuid.UUID) error
	Remove(ctx context.Context, messageID uuid.UUID) error
	Get(ctx context.Context, messageID uuid.UUID) (*Pending, error)
	FetchPage(ctx context.Context, recipientID string, cursor *Cursor, limit int) ([]Pending, error)
}

// RecipientLookup resolves the signing key and ban status for a whisperId, used for signature
// verification and the RECIPIENT_NOT_FOUND check. Satisfied by the account package's Service;
// message does not import account directly, avoiding an import cycle.
type RecipientLookup interface {
	SignPublicKey(ctx context.Context, whisperID string) (key ed25519.PublicKey, banned bool, found bool, err error)
}

// Delivery attempts to hand a frame to a whisperId's live connection. Satisfied by the
// gateway's ConnectionRegistry.
type Delivery interface {
	SendTo(whisperID string, frame []byte) bool
}

// PushDispatcher wakes an offline recipient via FCM/APNs/VoIP.
type PushDispatcher interface {
	Wake(ctx context.Context, whisperID, reason string) error
}

// Config carries MessageRouter's tunables.
type Config struct {
	TimestampSkew time.Duration
}

// Router implements MessageRouter.
type Router struct {
	repo     Repository
	lookup   RecipientLookup
	delivery Delivery
	push     PushDispatcher
	cfg      Config
}

// NewRouter constructs a Router.
func NewRouter(repo Repository, lookup RecipientLookup, delivery Delivery, push PushDispatcher, cfg Config) *Router {
	return &Router{repo: repo, lookup: lookup, delivery: delivery, push: push, cfg: cfg}
}

// AcceptResult is returned by RouteDirect on success.
type AcceptResult struct {
	MessageID string
	Status    string
}

// RouteDirect validates and routes a send_message payload from senderWhisperID.
func (r *Router) RouteDirect(ctx context.Context, p protocol.SendMessagePayload, senderWhisperID string) (*AcceptResult, error) {
	if err := r.checkSkew(p.Timestamp); err != nil {
		return nil, err
	}

	senderKey, _, found, err := r.lookup.SignPublicKey(ctx, senderWhisperID)
	if err != nil {
		return nil, fmt.Errorf("message: lookup sender: %w", err)
	}
	if !found {
		return nil, ErrRecipientNotFound
	}

	nonce, err := base64.StdEncoding.DecodeString(p.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: bad nonce encoding", ErrSignatureInvalid)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(p.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext encoding", ErrSignatureInvalid)
	}
	sig, err := base64.StdEncoding.DecodeString(p.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: bad signature encoding", ErrSignatureInvalid)
	}

	if err := signing.Verify(signing.Fields{
		MessageType: string(protocol.TypeSendMessage),
		MessageID:   p.MessageID,
		From:        p.From,
		ToOrGroupID: p.To,
		TimestampMS: p.Timestamp,
		Nonce:       nonce,
		Ciphertext:  ciphertext,
	}, sig, senderKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	_, banned, recipientFound, err := r.lookup.SignPublicKey(ctx, p.To)
	if err != nil {
		return nil, fmt.Errorf("message: lookup recipient: %w", err)
	}
	if !recipientFound || banned {
		return nil, ErrRecipientNotFound
	}

	messageID, err := uuid.Parse(p.MessageID)
	if err != nil {
		return nil, fmt.Errorf("%w: messageId must be a uuid", ErrSignatureInvalid)
	}

	if _, err := r.deliver(ctx, Pending{
		MessageID:         messageID,
		RecipientID:       p.To,
		SenderID:          p.From,
		MsgType:           p.MsgType,
		TimestampMS:       p.Timestamp,
		Nonce:             nonce,
		Ciphertext:        ciphertext,
		Signature:         sig,
		ReplyTo:           p.ReplyTo,
		Reactions:         p.Reactions,
		AttachmentPointer: p.AttachmentPointer,
	}); err != nil {
		return nil, err
	}

	return &AcceptResult{MessageID: p.MessageID, Status: "sent"}, nil
}

// deliver persists a pending message and either live-delivers it or wakes the recipient via
// push. Used by RouteDirect; group.Service carries its own copy of these steps for group fan-out.
func (r *Router) deliver(ctx context.Context, p Pending) (time.Time, error) {
	receivedAt, err := r.repo.Insert(ctx, p)
	if err != nil {
		return time.Time{}, fmt.Errorf("message: persist pending message: %w", err)
	}
	p.ReceivedAt = receivedAt

	frame, err := protocol.Encode(protocol.TypeMessageReceived, "", protocol.MessageReceivedPayload{
		MessageID:         p.MessageID.String(),
		From:              p.SenderID,
		To:                p.RecipientID,
		MsgType:           p.MsgType,
		Timestamp:         p.TimestampMS,
		Nonce:             base64.StdEncoding.EncodeToString(p.Nonce),
		Ciphertext:        base64.StdEncoding.EncodeToString(p.Ciphertext),
		Signature:         base64.StdEncoding.EncodeToString(p.Signature),
		ReplyTo:           p.ReplyTo,
		Reactions:         p.Reactions,
		AttachmentPointer: p.AttachmentPointer,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("message: encode message_received frame: %w", err)
	}

	if r.delivery.SendTo(p.RecipientID, frame) {
		if err := r.repo.MarkDelivered(ctx, p.MessageID); err != nil {
			return time.Time{}, fmt.Errorf("message: mark delivered: %w", err)
		}
	} else if r.push != nil {
		if err := r.push.Wake(ctx, p.RecipientID, "message"); err != nil {
			return time.Time{}, fmt.Errorf("message: wake recipient: %w", err)
		}
	}

	return receivedAt, nil
}

// HandleReceipt processes a delivery_receipt. senderWhisperID must equal the receipt's `from`
// (the recipient of the original message, now acking it).
func (r *Router) HandleReceipt(ctx context.Context, p protocol.DeliveryReceiptPayload, senderWhisperID string) error {
	if p.From != senderWhisperID {
		return fmt.Errorf("%w: receipt from does not match session", ErrSignatureInvalid)
	}
	if p.Status != "delivered" && p.Status != "read" {
		return fmt.Errorf("%w: status must be delivered or read", ErrSignatureInvalid)
	}

	messageID, err := uuid.Parse(p.MessageID)
	if err != nil {
		return fmt.Errorf("%w: messageId must be a uuid", ErrSignatureInvalid)
	}

	if p.Status == "delivered" {
		// Idempotent: Remove on an already-removed id is a silent no-op.
		if err := r.repo.Remove(ctx, messageID); err != nil {
			return fmt.Errorf("message: remove delivered pending message: %w", err)
		}
	}

	frame, err := protocol.Encode(protocol.TypeMessageDelivered, "", protocol.MessageDeliveredPayload{
		MessageID: p.MessageID,
		Status:    p.Status,
		Timestamp: p.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("message: encode message_delivered frame: %w", err)
	}
	r.delivery.SendTo(p.To, frame)
	return nil
}

// Cursor identifies the last row seen by a prior FetchPending call.
type Cursor struct {
	TimestampMS int64
	ReceivedAt  time.Time
	MessageID   uuid.UUID
}

// FetchResult is returned by FetchPending.
type FetchResult struct {
	Messages   []protocol.MessageReceivedPayload
	NextCursor string
}

// FetchPending returns a page of pending messages for whisperID in delivery order.
func (r *Router) FetchPending(ctx context.Context, cursorToken string, limit int, whisperID string) (*FetchResult, error) {
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit < 1 || limit > MaxLimit {
		return nil, ErrLimitOutOfRange
	}

	var cursor *Cursor
	if cursorToken != "" {
		c, err := decodeCursor(cursorToken)
		if err != nil {
			return nil, fmt.Errorf("message: decode cursor: %w", err)
		}
		cursor = c
	}

	rows, err := r.repo.FetchPage(ctx, whisperID, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("message: fetch pending page: %w", err)
	}

	out := make([]protocol.MessageReceivedPayload, 0, len(rows))
	for _, p := range rows {
		out = append(out, protocol.MessageReceivedPayload{
			MessageID:         p.MessageID.String(),
			From:              p.SenderID,
			To:                p.RecipientID,
			MsgType:           p.MsgType,
			Timestamp:         p.TimestampMS,
			Nonce:             base64.StdEncoding.EncodeToString(p.Nonce),
			Ciphertext:        base64.StdEncoding.EncodeToString(p.Ciphertext),
			Signature:         base64.StdEncoding.EncodeToString(p.Signature),
			ReplyTo:           p.ReplyTo,
			Reactions:         p.Reactions,
			AttachmentPointer: p.AttachmentPointer,
		})
	}

	result := &FetchResult{Messages: out}
	if len(rows) == limit {
		last := rows[len(rows)-1]
		result.NextCursor = encodeCursor(Cursor{TimestampMS: last.TimestampMS, ReceivedAt: last.ReceivedAt, MessageID: last.MessageID})
	}
	return result, nil
}

func (r *Router) checkSkew(timestampMS int64) error {
	ts := time.UnixMilli(timestampMS)
	now := time.Now()
	if ts.Before(now.Add(-r.cfg.TimestampSkew)) || ts.After(now.Add(r.cfg.TimestampSkew)) {
		return ErrTimestampSkew
	}
	return nil
}

// encodeCursor renders an opaque, URL-safe continuation token.
func encodeCursor(c Cursor) string {
	raw := fmt.Sprintf("%d|%s|%s", c.TimestampMS, c.ReceivedAt.UTC().Format(time.RFC3339Nano), c.MessageID.String())
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(token string) (*Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("malformed cursor")
	}
	parts := strings.SplitN(string(raw), "|", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed cursor")
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed cursor timestamp")
	}
	receivedAt, err := time.Parse(time.RFC3339Nano, parts[1])
	if err != nil {
		return nil, fmt.Errorf("malformed cursor receivedAt")
	}
	messageID, err := uuid.Parse(parts[2])
	if err != nil {
		return nil, fmt.Errorf("malformed cursor messageId")
	}
	return &Cursor{TimestampMS: ts, ReceivedAt: receivedAt, MessageID: messageID}, nil
}
