// Package group implements GroupService: membership mutation with an owner/admin role gate,
// per-recipient encrypted envelope fan-out, and group_event broadcast on membership changes.
package group

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/whisper-msg/whisper-server/internal/message"
	"github.com/whisper-msg/whisper-server/internal/postgres"
	"github.com/whisper-msg/whisper-server/internal/protocol"
	"github.com/whisper-msg/whisper-server/internal/signing"
)

// MaxActiveMembers is the cap enforced on addMember.
const MaxActiveMembers = 256

// RecipientLookup resolves a whisperId's signing key, reused here for group envelope
// verification (same contract message.RecipientLookup exposes).
type RecipientLookup interface {
	SignPublicKey(ctx context.Context, whisperID string) (key ed25519.PublicKey, banned bool, found bool, err error)
}

// PendingRepository is the subset of message.Repository the group fan-out path needs.
type PendingRepository interface {
	Insert(ctx context.Context, p message.Pending) (receivedAt time.Time, err error)
	MarkDelivered(ctx context.Context, messageID uuid.UUID) error
}

// Delivery attempts to hand a frame to a whisperId's live connection.
type Delivery interface {
	SendTo(whisperID string, frame []byte) bool
}

// PushDispatcher wakes an offline recipient.
type PushDispatcher interface {
	Wake(ctx context.Context, whisperID, reason string) error
}

// Service implements GroupService.
type Service struct {
	db       *pgxpool.Pool
	repo     *repository
	lookup   RecipientLookup
	pending  PendingRepository
	delivery Delivery
	push     PushDispatcher
	log      zerolog.Logger
}

// New constructs a Service.
func New(db *pgxpool.Pool, lookup RecipientLookup, pending PendingRepository, delivery Delivery, push PushDispatcher, log zerolog.Logger) *Service {
	return &Service{db: db, repo: newRepository(db), lookup: lookup, pending: pending, delivery: delivery, push: push, log: log}
}

// View mirrors protocol.GroupView for a caller-facing response.
type View struct {
	GroupID   string
	Title     string
	OwnerID   string
	Members   []Member
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Create makes a new group owned by ownerID with the given initial member set (deduplicated,
// ownerID always included as owner).
func (s *Service) Create(ctx context.Context, ownerID, title string, memberIDs []string) (*View, error) {
	title, err := validateTitle(title)
	if err != nil {
		return nil, err
	}

	groupID := uuid.NewString()
	seen := map[string]bool{ownerID: true}
	var extra []string
	for _, m := range memberIDs {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		extra = append(extra, m)
	}
	if len(extra)+1 > MaxActiveMembers {
		extra = extra[:MaxActiveMembers-1]
	}

	err = postgres.WithTx(ctx, s.db, s.log, func(tx pgx.Tx) error {
		if err := s.repo.createGroup(ctx, tx, groupID, title, ownerID); err != nil {
			return err
		}
		if err := s.repo.addMember(ctx, tx, groupID, ownerID, "owner"); err != nil {
			return err
		}
		for _, m := range extra {
			if err := s.repo.addMember(ctx, tx, groupID, m, "member"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	view, err := s.loadView(ctx, groupID)
	if err != nil {
		return nil, err
	}
	s.broadcastEvent(ctx, "created", *view, append(extra, ownerID))
	return view, nil
}

// AddMember adds whisperID to groupID as a member. Caller must be owner/admin.
func (s *Service) AddMember(ctx context.Context, groupID, actorID, whisperID string) (*View, error) {
	if err := s.requireAdmin(ctx, groupID, actorID); err != nil {
		return nil, err
	}

	members, err := s.repo.activeMembers(ctx, s.db, groupID)
	if err != nil {
		return nil, err
	}
	if len(members) >= MaxActiveMembers {
		return nil, fmt.Errorf("%w: group is at capacity", ErrForbidden)
	}

	if err := s.repo.addMember(ctx, s.db, groupID, whisperID, "member"); err != nil {
		return nil, err
	}

	view, err := s.loadView(ctx, groupID)
	if err != nil {
		return nil, err
	}
	s.broadcastEvent(ctx, "member_added", *view, []string{whisperID})
	return view, nil
}

// RemoveMember soft-removes whisperID from groupID. Caller must be owner/admin; the owner
// cannot be removed.
func (s *Service) RemoveMember(ctx context.Context, groupID, actorID, whisperID string) (*View, error) {
	if err := s.requireAdmin(ctx, groupID, actorID); err != nil {
		return nil, err
	}

	g, err := s.repo.getGroup(ctx, s.db, groupID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, ErrNotFound
	}
	if g.OwnerID == whisperID {
		return nil, ErrOwnerImmutable
	}

	if err := s.repo.removeMember(ctx, s.db, groupID, whisperID); err != nil {
		return nil, err
	}

	view, err := s.loadView(ctx, groupID)
	if err != nil {
		return nil, err
	}
	s.broadcastEvent(ctx, "member_removed", *view, []string{whisperID})
	return view, nil
}

// ChangeRole promotes/demotes whisperID to role ∈ {admin, member}. Caller must be owner/admin;
// the owner's own role cannot be changed this way.
func (s *Service) ChangeRole(ctx context.Context, groupID, actorID, whisperID, role string) (*View, error) {
	if role != "admin" && role != "member" {
		return nil, ErrInvalidRole
	}
	if err := s.requireAdmin(ctx, groupID, actorID); err != nil {
		return nil, err
	}

	g, err := s.repo.getGroup(ctx, s.db, groupID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, ErrNotFound
	}
	if g.OwnerID == whisperID {
		return nil, ErrOwnerImmutable
	}

	if err := s.repo.changeRole(ctx, s.db, groupID, whisperID, role); err != nil {
		return nil, err
	}

	view, err := s.loadView(ctx, groupID)
	if err != nil {
		return nil, err
	}
	s.broadcastEvent(ctx, "updated", *view, nil)
	return view, nil
}

// UpdateTitle renames groupID. Caller must be owner/admin.
func (s *Service) UpdateTitle(ctx context.Context, groupID, actorID, title string) (*View, error) {
	title, err := validateTitle(title)
	if err != nil {
		return nil, err
	}
	if err := s.requireAdmin(ctx, groupID, actorID); err != nil {
		return nil, err
	}
	if err := s.repo.updateTitle(ctx, s.db, groupID, title); err != nil {
		return nil, err
	}

	view, err := s.loadView(ctx, groupID)
	if err != nil {
		return nil, err
	}
	s.broadcastEvent(ctx, "updated", *view, nil)
	return view, nil
}

// SendResult is returned by SendMessage.
type SendResult struct {
	MessageID string
	Status    string
}

// SendMessage verifies and fans out a group_send_message payload's per-recipient envelopes.
func (s *Service) SendMessage(ctx context.Context, p protocol.GroupSendMessagePayload, senderWhisperID string) (*SendResult, error) {
	if p.From != senderWhisperID {
		return nil, ErrForbidden
	}

	sender, err := s.repo.activeMember(ctx, s.db, p.GroupID, senderWhisperID)
	if err != nil {
		return nil, err
	}
	if sender == nil {
		return nil, ErrNotMember
	}

	members, err := s.repo.activeMembers(ctx, s.db, p.GroupID)
	if err != nil {
		return nil, err
	}
	activeSet := make(map[string]bool, len(members))
	for _, m := range members {
		activeSet[m.WhisperID] = true
	}

	senderKey, _, _, err := s.lookup.SignPublicKey(ctx, senderWhisperID)
	if err != nil {
		return nil, fmt.Errorf("group: lookup sender: %w", err)
	}

	messageID, err := uuid.Parse(p.MessageID)
	if err != nil {
		return nil, fmt.Errorf("%w: messageId must be a uuid", ErrSignatureInvalid)
	}

	for _, env := range p.Recipients {
		if env.To == senderWhisperID || !activeSet[env.To] {
			continue // drop envelopes to non-members or self
		}

		nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
		if err != nil {
			continue
		}
		ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
		if err != nil {
			continue
		}
		sig, err := base64.StdEncoding.DecodeString(env.Signature)
		if err != nil {
			continue
		}

		if err := signing.Verify(signing.Fields{
			MessageType: string(protocol.TypeGroupSendMessage),
			MessageID:   p.MessageID,
			From:        p.From,
			ToOrGroupID: env.To,
			TimestampMS: p.Timestamp,
			Nonce:       nonce,
			Ciphertext:  ciphertext,
		}, sig, senderKey); err != nil {
			s.log.Warn().Str("groupId", p.GroupID).Str("to", env.To).Msg("group: dropped envelope with invalid signature")
			continue
		}

		s.deliver(ctx, message.Pending{
			MessageID:         messageID,
			RecipientID:       env.To,
			SenderID:          p.From,
			GroupID:           p.GroupID,
			MsgType:           p.MsgType,
			TimestampMS:       p.Timestamp,
			Nonce:             nonce,
			Ciphertext:        ciphertext,
			Signature:         sig,
			ReplyTo:           p.ReplyTo,
			Reactions:         p.Reactions,
			AttachmentPointer: p.AttachmentPointer,
		})
	}

	return &SendResult{MessageID: p.MessageID, Status: "sent"}, nil
}

func (s *Service) deliver(ctx context.Context, p message.Pending) {
	receivedAt, err := s.pending.Insert(ctx, p)
	if err != nil {
		s.log.Error().Err(err).Str("recipient", p.RecipientID).Msg("group: persist pending message")
		return
	}
	_ = receivedAt

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
		s.log.Error().Err(err).Msg("group: encode message_received frame")
		return
	}

	if s.delivery.SendTo(p.RecipientID, frame) {
		if err := s.pending.MarkDelivered(ctx, p.MessageID); err != nil {
			s.log.Error().Err(err).Msg("group: mark delivered")
		}
	} else if s.push != nil {
		if err := s.push.Wake(ctx, p.RecipientID, "message"); err != nil {
			s.log.Error().Err(err).Msg("group: wake recipient")
		}
	}
}

// requireAdmin enforces that actorID is an active owner or admin of groupID.
func (s *Service) requireAdmin(ctx context.Context, groupID, actorID string) error {
	m, err := s.repo.activeMember(ctx, s.db, groupID, actorID)
	if err != nil {
		return err
	}
	if m == nil {
		return ErrNotMember
	}
	if m.Role != "owner" && m.Role != "admin" {
		return ErrForbidden
	}
	return nil
}

func (s *Service) loadView(ctx context.Context, groupID string) (*View, error) {
	g, err := s.repo.getGroup(ctx, s.db, groupID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, ErrNotFound
	}
	members, err := s.repo.activeMembers(ctx, s.db, groupID)
	if err != nil {
		return nil, err
	}
	return &View{
		GroupID: g.GroupID, Title: g.Title, OwnerID: g.OwnerID,
		Members: members, CreatedAt: g.CreatedAt, UpdatedAt: g.UpdatedAt,
	}, nil
}

// broadcastEvent sends group_event to every active member plus any explicitly-affected
// (e.g. just-removed) whisperIds.
func (s *Service) broadcastEvent(ctx context.Context, event string, v View, affected []string) {
	memberViews := make([]protocol.GroupMemberView, 0, len(v.Members))
	recipients := make(map[string]bool, len(v.Members)+len(affected))
	for _, m := range v.Members {
		memberViews = append(memberViews, protocol.GroupMemberView{WhisperID: m.WhisperID, Role: m.Role, JoinedAt: m.JoinedAt.UnixMilli()})
		recipients[m.WhisperID] = true
	}
	for _, a := range affected {
		recipients[a] = true
	}

	frame, err := protocol.Encode(protocol.TypeGroupEvent, "", protocol.GroupEventPayload{
		Event: event,
		Group: protocol.GroupView{
			GroupID: v.GroupID, Title: v.Title, OwnerID: v.OwnerID,
			Members: memberViews, CreatedAt: v.CreatedAt.UnixMilli(), UpdatedAt: v.UpdatedAt.UnixMilli(),
		},
		AffectedMembers: affected,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("group: encode group_event frame")
		return
	}
	for whisperID := range recipients {
		s.delivery.SendTo(whisperID, frame)
	}
}

// ActiveMemberIDs returns the whisperIds of every active member of groupID, used by the
// gateway to fan out a typing_notification to a group since GroupService owns membership
// resolution and presence does not.
func (s *Service) ActiveMemberIDs(ctx context.Context, groupID string) ([]string, error) {
	members, err := s.repo.activeMembers(ctx, s.db, groupID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.WhisperID)
	}
	return ids, nil
}

func validateTitle(title string) (string, error) {
	trimmed := strings.TrimSpace(title)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 64 {
		return "", ErrTitleLength
	}
	return trimmed, nil
}
