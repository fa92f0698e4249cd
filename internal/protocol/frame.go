// Package protocol defines the WebSocket wire format: the frame envelope, the exhaustive set
// of message types, error codes, and close codes. The gateway never inspects message payload
// contents beyond what is needed to route and authenticate it.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame is the envelope every WebSocket message is wrapped in.
type Frame struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// MessageType enumerates the protocol's message types (§6 of the frame envelope contract).
type MessageType string

const (
	TypeRegisterBegin      MessageType = "register_begin"
	TypeRegisterChallenge  MessageType = "register_challenge"
	TypeRegisterProof      MessageType = "register_proof"
	TypeRegisterAck        MessageType = "register_ack"
	TypeSessionRefresh      MessageType = "session_refresh"
	TypeSessionRefreshAck   MessageType = "session_refresh_ack"
	TypeLogout              MessageType = "logout"
	TypeUpdateTokens        MessageType = "update_tokens"
	TypeTokensUpdated        MessageType = "tokens_updated"
	TypeSendMessage          MessageType = "send_message"
	TypeMessageAccepted      MessageType = "message_accepted"
	TypeMessageReceived      MessageType = "message_received"
	TypeDeliveryReceipt      MessageType = "delivery_receipt"
	TypeMessageDelivered     MessageType = "message_delivered"
	TypeFetchPending         MessageType = "fetch_pending"
	TypePendingMessages      MessageType = "pending_messages"
	TypeGroupCreate          MessageType = "group_create"
	TypeGroupUpdate          MessageType = "group_update"
	TypeGroupEvent           MessageType = "group_event"
	TypeGroupSendMessage     MessageType = "group_send_message"
	TypeGetTURNCredentials   MessageType = "get_turn_credentials"
	TypeTURNCredentials      MessageType = "turn_credentials"
	TypeCallInitiate         MessageType = "call_initiate"
	TypeCallIncoming         MessageType = "call_incoming"
	TypeCallRinging          MessageType = "call_ringing"
	TypeCallAnswer           MessageType = "call_answer"
	TypeCallICECandidate     MessageType = "call_ice_candidate"
	TypeCallEnd              MessageType = "call_end"
	TypePresenceUpdate       MessageType = "presence_update"
	TypeTyping               MessageType = "typing"
	TypeTypingNotification   MessageType = "typing_notification"
	TypePing                 MessageType = "ping"
	TypePong                 MessageType = "pong"
	TypeError                MessageType = "error"
	TypeForceLogout          MessageType = "force_logout"
)

// ErrorCode enumerates the canonical error codes carried in error frame payloads.
type ErrorCode string

const (
	ErrNotRegistered      ErrorCode = "NOT_REGISTERED"
	ErrAuthFailed         ErrorCode = "AUTH_FAILED"
	ErrInvalidPayload     ErrorCode = "INVALID_PAYLOAD"
	ErrInvalidTimestamp   ErrorCode = "INVALID_TIMESTAMP"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrUserBanned         ErrorCode = "USER_BANNED"
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrForbidden          ErrorCode = "FORBIDDEN"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrInvalidSignature   ErrorCode = "INVALID_SIGNATURE"
	ErrRecipientNotFound  ErrorCode = "RECIPIENT_NOT_FOUND"
	ErrUnauthorized       ErrorCode = "UNAUTHORIZED"
)

// Close codes used by the gateway. Standard codes (1000, 1008, 1009, 1011) are RFC 6455;
// 4029 is reserved application-range for rate limiting.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
	CloseMessageTooBig   = 1009
	CloseInternalError   = 1011
	CloseRateLimited     = 4029
)

// ErrorPayload is the payload of a "error" frame.
type ErrorPayload struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	RequestID string    `json:"requestId,omitempty"`
}

// Encode marshals a Frame of the given type, request ID, and payload value.
func Encode(t MessageType, requestID string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal %s payload: %w", t, err)
		}
		raw = b
	}
	return json.Marshal(Frame{Type: t, RequestID: requestID, Payload: raw})
}

// NewErrorFrame builds a serialised error frame, echoing requestID per the propagation policy.
func NewErrorFrame(code ErrorCode, message, requestID string) ([]byte, error) {
	return Encode(TypeError, "", ErrorPayload{Code: code, Message: message, RequestID: requestID})
}

// Decode parses the outer frame envelope. Callers unmarshal Payload into a concrete struct
// once Type is known.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("protocol: decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("protocol: frame missing type")
	}
	return f, nil
}
