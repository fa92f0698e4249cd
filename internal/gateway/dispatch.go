package gateway

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/whisper-msg/whisper-server/internal/account"
	"github.com/whisper-msg/whisper-server/internal/protocol"
)

// dispatch routes frame to the handler for its type. senderWhisperID is the resolved session
// owner for AUTH_REQUIRED types, "" otherwise. A failing handler returns an error for onFrame
// to report as an error frame and enqueues nothing; on success some handlers enqueue a
// reply/ack to conn, while others (receipts, group create/update, call signaling) send none.
func (g *Gateway) dispatch(ctx context.Context, conn *Conn, frame protocol.Frame, senderWhisperID string) error {
	switch frame.Type {
	case protocol.TypeRegisterBegin:
		return g.handleRegisterBegin(ctx, conn, frame)
	case protocol.TypeRegisterProof:
		return g.handleRegisterProof(ctx, conn, frame)
	case protocol.TypeSessionRefresh:
		return g.handleSessionRefresh(ctx, conn, frame)
	case protocol.TypeLogout:
		return g.handleLogout(ctx, conn, frame, senderWhisperID)
	case protocol.TypeUpdateTokens:
		return g.handleUpdateTokens(ctx, conn, frame, senderWhisperID)

	case protocol.TypeSendMessage:
		return g.handleSendMessage(ctx, conn, frame, senderWhisperID)
	case protocol.TypeDeliveryReceipt:
		return g.handleDeliveryReceipt(ctx, frame, senderWhisperID)
	case protocol.TypeFetchPending:
		return g.handleFetchPending(ctx, conn, frame, senderWhisperID)

	case protocol.TypeGroupCreate:
		return g.handleGroupCreate(ctx, conn, frame, senderWhisperID)
	case protocol.TypeGroupUpdate:
		return g.handleGroupUpdate(ctx, frame, senderWhisperID)
	case protocol.TypeGroupSendMessage:
		return g.handleGroupSendMessage(ctx, conn, frame, senderWhisperID)

	case protocol.TypeGetTURNCredentials:
		return g.handleGetTURNCredentials(conn, frame, senderWhisperID)
	case protocol.TypeCallInitiate:
		return g.handleCallInitiate(ctx, frame, senderWhisperID)
	case protocol.TypeCallRinging:
		return g.handleCallRinging(ctx, frame, senderWhisperID)
	case protocol.TypeCallAnswer:
		return g.handleCallAnswer(ctx, frame, senderWhisperID)
	case protocol.TypeCallICECandidate:
		return g.handleCallICECandidate(ctx, frame, senderWhisperID)
	case protocol.TypeCallEnd:
		return g.handleCallEnd(ctx, frame, senderWhisperID)

	case protocol.TypeTyping:
		return g.handleTyping(ctx, conn, frame)
	case protocol.TypePing:
		return g.handlePing(ctx, conn, frame)

	default:
		return errPayload(errInvalidPayload)
	}
}

func (g *Gateway) handleRegisterBegin(ctx context.Context, conn *Conn, frame protocol.Frame) error {
	var p protocol.RegisterBeginPayload
	if err := decodePayload(frame.Payload, &p); err != nil {
		return err
	}

	result, err := g.account.RegisterBegin(ctx, p.WhisperID)
	if err != nil {
		return err
	}

	reply, err := protocol.Encode(protocol.TypeRegisterChallenge, frame.RequestID, protocol.RegisterChallengePayload{
		ChallengeID: result.ChallengeID,
		Challenge:   base64.StdEncoding.EncodeToString(result.Challenge),
		ExpiresAt:   result.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return err
	}
	conn.enqueue(reply)
	return nil
}

func (g *Gateway) handleRegisterProof(ctx context.Context, conn *Conn, frame protocol.Frame) error {
	var p protocol.RegisterProofPayload
	if err := decodePayload(frame.Payload, &p); err != nil {
		return err
	}

	encKey, err := b64(p.EncPublicKey)
	if err != nil {
		return errPayload(errInvalidPayload)
	}
	signKey, err := b64(p.SignPublicKey)
	if err != nil {
		return errPayload(errInvalidPayload)
	}
	sig, err := b64(p.Signature)
	if err != nil {
		return errPayload(errInvalidPayload)
	}

	result, err := g.account.RegisterProof(ctx, account.ProofInput{
		ChallengeID:   p.ChallengeID,
		DeviceID:      p.DeviceID,
		Platform:      p.Platform,
		WhisperID:     p.WhisperID,
		EncPublicKey:  encKey,
		SignPublicKey: signKey,
		Signature:     sig,
		PushToken:     p.PushToken,
		VoipToken:     p.VoipToken,
	})
	if err != nil {
		return err
	}

	g.bindAndMarkOnline(ctx, conn, result.WhisperID)

	reply, err := protocol.Encode(protocol.TypeRegisterAck, frame.RequestID, protocol.RegisterAckPayload{
		Success:          true,
		WhisperID:        result.WhisperID,
		SessionToken:     result.SessionToken,
		SessionExpiresAt: result.SessionExpiresAt.UnixMilli(),
		ServerTime:       result.ServerTime.UnixMilli(),
	})
	if err != nil {
		return err
	}
	conn.enqueue(reply)
	return nil
}

func (g *Gateway) handleSessionRefresh(ctx context.Context, conn *Conn, frame protocol.Frame) error {
	var p protocol.SessionRefreshPayload
	if err := decodePayload(frame.Payload, &p); err != nil {
		return err
	}

	result, err := g.account.RefreshSession(ctx, p.SessionToken)
	if err != nil {
		return err
	}

	reply, err := protocol.Encode(protocol.TypeSessionRefreshAck, frame.RequestID, protocol.SessionRefreshAckPayload{
		SessionToken:     result.SessionToken,
		SessionExpiresAt: result.SessionExpiresAt.UnixMilli(),
		ServerTime:       result.ServerTime.UnixMilli(),
	})
	if err != nil {
		return err
	}
	conn.enqueue(reply)
	return nil
}

func (g *Gateway) handleLogout(ctx context.Context, conn *Conn, frame protocol.Frame, senderWhisperID string) error {
	var p protocol.LogoutPayload
	if err := decodePayload(frame.Payload, &p); err != nil {
		return err
	}
	if err := g.account.Logout(ctx, p.SessionToken); err != nil {
		return err
	}
	conn.closeWithCode(protocol.CloseNormal, "logged out")
	return nil
}

func (g *Gateway) handleUpdateTokens(ctx context.Context, conn *Conn, frame protocol.Frame, senderWhisperID string) error {
	var p protocol.UpdateTokensPayload
	if err := decodePayload(frame.Payload, &p); err != nil {
		return err
	}
	if err := g.account.UpdateTokens(ctx, senderWhisperID, p.DeviceID, p.PushToken, p.VoipToken); err != nil {
		return err
	}

	reply, err := protocol.Encode(protocol.TypeTokensUpdated, frame.RequestID, protocol.TokensUpdatedPayload{Success: true})
	if err != nil {
		return err
	}
	conn.enqueue(reply)
	return nil
}

func (g *Gateway) handleSendMessage(ctx context.Context, conn *Conn, frame protocol.Frame, senderWhisperID string) error {
	var p protocol.SendMessagePayload
	if err := decodePayload(frame.Payload, &p); err != nil {
		return err
	}
	if p.From != senderWhisperID {
		return errPayload(errAuthFailed)
	}

	result, err := g.message.RouteDirect(ctx, p, senderWhisperID)
	if err != nil {
		return err
	}
	if err := g.presence.RecordContact(ctx, senderWhisperID, p.To, time.Now()); err != nil {
		g.log.Warn().Err(err).Msg("gateway: record contact")
	}

	reply, err := protocol.Encode(protocol.TypeMessageAccepted, frame.RequestID, protocol.MessageAcceptedPayload{
		MessageID: result.MessageID,
		Status:    result.Status,
	})
	if err != nil {
		return err
	}
	conn.enqueue(reply)
	return nil
}

func (g *Gateway) handleDeliveryReceipt(ctx context.Context, frame protocol.Frame, senderWhisperID string) error {
	var p protocol.DeliveryReceiptPayload
	if err := decodePayload(frame.Payload, &p); err != nil {
		return err
	}
	return g.message.HandleReceipt(ctx, p, senderWhisperID)
}

func (g *Gateway) handleFetchPending(ctx context.Context, conn *Conn, frame protocol.Frame, senderWhisperID string) error {
	var p protocol.FetchPendingPayload
	if err := decodePayload(frame.Payload, &p); err != nil {
		return err
	}

	result, err := g.message.FetchPending(ctx, p.Cursor, p.Limit, senderWhisperID)
	if err != nil {
		return err
	}

	reply, err := protocol.Encode(protocol.TypePendingMessages, frame.RequestID, protocol.PendingMessagesPayload{
		Messages:   result.Messages,
		NextCursor: result.NextCursor,
	})
	if err != nil {
		return err
	}
	conn.enqueue(reply)
	return nil
}

func (g *Gateway) handleGroupCreate(ctx context.Context, conn *Conn, frame protocol.Frame, senderWhisperID string) error {
	var p protocol.GroupCreatePayload
	if err := decodePayload(frame.Payload, &p); err != nil {
		return err
	}
	// Create broadcasts group_event{created} to every member including the creator, so this
	// handler does not need to build a separate reply; the broadcast is the acknowledgement.
	_, err := g.group.Create(ctx, senderWhisperID, p.Title, p.Members)
	return err
}

func (g *Gateway) handleGroupUpdate(ctx context.Context, frame protocol.Frame, senderWhisperID string) error {
	var p protocol.GroupUpdatePayload
	if err := decodePayload(frame.Payload, &p); err != nil {
		return err
	}

	var err error
	switch p.Action {
	case "add_member":
		_, err = g.group.AddMember(ctx, p.GroupID, senderWhisperID, p.WhisperID)
	case "remove_member":
		_, err = g.group.RemoveMember(ctx, p.GroupID, senderWhisperID, p.WhisperID)
	case "change_role":
		_, err = g.group.ChangeRole(ctx, p.GroupID, senderWhisperID, p.WhisperID, p.Role)
	case "update_title":
		_, err = g.group.UpdateTitle(ctx, p.GroupID, senderWhisperID, p.Title)
	default:
		return errPayload(errInvalidPayload)
	}
	return err
}

func (g *Gateway) handleGroupSendMessage(ctx context.Context, conn *Conn, frame protocol.Frame, senderWhisperID string) error {
	var p protocol.GroupSendMessagePayload
	if err := decodePayload(frame.Payload, &p); err != nil {
		return err
	}

	result, err := g.group.SendMessage(ctx, p, senderWhisperID)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, r := range p.Recipients {
		if err := g.presence.RecordContact(ctx, senderWhisperID, r.To, now); err != nil {
			g.log.Warn().Err(err).Msg("gateway: record contact")
		}
	}

	reply, err := protocol.Encode(protocol.TypeMessageAccepted, frame.RequestID, protocol.MessageAcceptedPayload{
		MessageID: result.MessageID,
		Status:    result.Status,
	})
	if err != nil {
		return err
	}
	conn.enqueue(reply)
	return nil
}

func (g *Gateway) handleGetTURNCredentials(conn *Conn, frame protocol.Frame, senderWhisperID string) error {
	creds := g.call.GetTURNCredentials(senderWhisperID)

	reply, err := protocol.Encode(protocol.TypeTURNCredentials, frame.RequestID, protocol.TURNCredentialsPayload{
		URLs:       creds.URLs,
		Username:   creds.Username,
		Credential: creds.Credential,
		TTL:        creds.TTL,
	})
	if err != nil {
		return err
	}
	conn.enqueue(reply)
	return nil
}

func (g *Gateway) handleCallInitiate(ctx context.Context, frame protocol.Frame, senderWhisperID string) error {
	var p protocol.CallInitiatePayload
	if err := decodePayload(frame.Payload, &p); err != nil {
		return err
	}
	return g.call.Initiate(ctx, p, senderWhisperID)
}

func (g *Gateway) handleCallRinging(ctx context.Context, frame protocol.Frame, senderWhisperID string) error {
	var p protocol.CallRingingPayload
	if err := decodePayload(frame.Payload, &p); err != nil {
		return err
	}
	return g.call.Ringing(ctx, p, senderWhisperID)
}

func (g *Gateway) handleCallAnswer(ctx context.Context, frame protocol.Frame, senderWhisperID string) error {
	var p protocol.CallAnswerPayload
	if err := decodePayload(frame.Payload, &p); err != nil {
		return err
	}
	return g.call.Answer(ctx, p, senderWhisperID)
}

func (g *Gateway) handleCallICECandidate(ctx context.Context, frame protocol.Frame, senderWhisperID string) error {
	var p protocol.CallICECandidatePayload
	if err := decodePayload(frame.Payload, &p); err != nil {
		return err
	}
	return g.call.ICECandidate(ctx, p, senderWhisperID)
}

func (g *Gateway) handleCallEnd(ctx context.Context, frame protocol.Frame, senderWhisperID string) error {
	var p protocol.CallEndPayload
	if err := decodePayload(frame.Payload, &p); err != nil {
		return err
	}
	return g.call.End(ctx, p, senderWhisperID)
}

func (g *Gateway) handleTyping(ctx context.Context, conn *Conn, frame protocol.Frame) error {
	var p protocol.TypingPayload
	if err := decodePayload(frame.Payload, &p); err != nil {
		return err
	}
	from := conn.WhisperID()

	if p.GroupID != "" {
		members, err := g.group.ActiveMemberIDs(ctx, p.GroupID)
		if err != nil {
			return err
		}
		for _, m := range members {
			if m == from {
				continue
			}
			if err := g.presence.NotifyTyping(ctx, g.Registry, from, m, p.GroupID); err != nil {
				g.log.Warn().Err(err).Msg("gateway: notify typing (group)")
			}
		}
		return nil
	}

	return g.presence.NotifyTyping(ctx, g.Registry, from, p.To, "")
}

func (g *Gateway) handlePing(ctx context.Context, conn *Conn, frame protocol.Frame) error {
	if conn.isAuthenticated() {
		if err := g.presence.Heartbeat(ctx, conn.WhisperID()); err != nil {
			g.log.Warn().Err(err).Msg("gateway: heartbeat")
		}
	}

	reply, err := protocol.Encode(protocol.TypePong, frame.RequestID, nil)
	if err != nil {
		return err
	}
	conn.enqueue(reply)
	return nil
}
