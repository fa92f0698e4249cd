package protocol

// Payload structs for the message types that carry structured, predictable fields. Inbound
// payloads are decoded into these; outbound frames are built from them via Encode.

type RegisterBeginPayload struct {
	ProtocolVersion int    `json:"protocolVersion"`
	CryptoVersion   int    `json:"cryptoVersion"`
	DeviceID        string `json:"deviceId"`
	Platform        string `json:"platform"`
	WhisperID       string `json:"whisperId,omitempty"`
}

type RegisterChallengePayload struct {
	ChallengeID string `json:"challengeId"`
	Challenge   string `json:"challenge"` // base64
	ExpiresAt   int64  `json:"expiresAt"` // unix millis
}

type RegisterProofPayload struct {
	ChallengeID   string `json:"challengeId"`
	DeviceID      string `json:"deviceId"`
	Platform      string `json:"platform"`
	WhisperID     string `json:"whisperId,omitempty"`
	EncPublicKey  string `json:"encPublicKey"`  // base64, 32B
	SignPublicKey string `json:"signPublicKey"` // base64, 32B
	Signature     string `json:"signature"`     // base64, 64B
	PushToken     string `json:"pushToken,omitempty"`
	VoipToken     string `json:"voipToken,omitempty"`
}

type RegisterAckPayload struct {
	Success         bool   `json:"success"`
	WhisperID       string `json:"whisperId"`
	SessionToken    string `json:"sessionToken"`
	SessionExpiresAt int64 `json:"sessionExpiresAt"`
	ServerTime      int64  `json:"serverTime"`
}

type SessionRefreshPayload struct {
	ProtocolVersion int    `json:"protocolVersion"`
	CryptoVersion   int    `json:"cryptoVersion"`
	SessionToken    string `json:"sessionToken"`
}

type SessionRefreshAckPayload struct {
	SessionToken     string `json:"sessionToken"`
	SessionExpiresAt int64  `json:"sessionExpiresAt"`
	ServerTime       int64  `json:"serverTime"`
}

type LogoutPayload struct {
	ProtocolVersion int    `json:"protocolVersion"`
	CryptoVersion   int    `json:"cryptoVersion"`
	SessionToken    string `json:"sessionToken"`
}

type UpdateTokensPayload struct {
	ProtocolVersion int    `json:"protocolVersion"`
	CryptoVersion   int    `json:"cryptoVersion"`
	SessionToken    string `json:"sessionToken"`
	DeviceID        string `json:"deviceId"`
	PushToken       string `json:"pushToken,omitempty"`
	VoipToken       string `json:"voipToken,omitempty"`
}

type TokensUpdatedPayload struct {
	Success bool `json:"success"`
}

type SendMessagePayload struct {
	ProtocolVersion   int    `json:"protocolVersion"`
	CryptoVersion     int    `json:"cryptoVersion"`
	SessionToken      string `json:"sessionToken"`
	MessageID         string `json:"messageId"`
	From              string `json:"from"`
	To                string `json:"to"`
	MsgType           string `json:"msgType"`
	Timestamp         int64  `json:"timestamp"`
	Nonce             string `json:"nonce"`      // base64
	Ciphertext        string `json:"ciphertext"` // base64
	Signature         string `json:"sig"`        // base64
	ReplyTo           string `json:"replyTo,omitempty"`
	Reactions         string `json:"reactions,omitempty"`
	AttachmentPointer string `json:"attachmentPointer,omitempty"`
}

type MessageAcceptedPayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

type MessageReceivedPayload struct {
	MessageID         string `json:"messageId"`
	From              string `json:"from"`
	To                string `json:"to"`
	MsgType           string `json:"msgType"`
	Timestamp         int64  `json:"timestamp"`
	Nonce             string `json:"nonce"`
	Ciphertext        string `json:"ciphertext"`
	Signature         string `json:"sig"`
	ReplyTo           string `json:"replyTo,omitempty"`
	Reactions         string `json:"reactions,omitempty"`
	AttachmentPointer string `json:"attachmentPointer,omitempty"`
}

type DeliveryReceiptPayload struct {
	ProtocolVersion int    `json:"protocolVersion"`
	CryptoVersion   int    `json:"cryptoVersion"`
	SessionToken    string `json:"sessionToken"`
	MessageID       string `json:"messageId"`
	From            string `json:"from"`
	To              string `json:"to"`
	Status          string `json:"status"` // delivered | read
	Timestamp       int64  `json:"timestamp"`
}

type MessageDeliveredPayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

type FetchPendingPayload struct {
	ProtocolVersion int    `json:"protocolVersion"`
	CryptoVersion   int    `json:"cryptoVersion"`
	SessionToken    string `json:"sessionToken"`
	Cursor          string `json:"cursor,omitempty"`
	Limit           int    `json:"limit,omitempty"`
}

type PendingMessagesPayload struct {
	Messages   []MessageReceivedPayload `json:"messages"`
	NextCursor string                   `json:"nextCursor,omitempty"`
}

type GroupRecipientEnvelope struct {
	To         string `json:"to"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Signature  string `json:"sig"`
}

type GroupSendMessagePayload struct {
	ProtocolVersion   int                       `json:"protocolVersion"`
	CryptoVersion     int                       `json:"cryptoVersion"`
	SessionToken      string                    `json:"sessionToken"`
	GroupID           string                    `json:"groupId"`
	MessageID         string                    `json:"messageId"`
	From              string                    `json:"from"`
	MsgType           string                    `json:"msgType"`
	Timestamp         int64                     `json:"timestamp"`
	Recipients        []GroupRecipientEnvelope  `json:"recipients"`
	ReplyTo           string                    `json:"replyTo,omitempty"`
	Reactions         string                    `json:"reactions,omitempty"`
	AttachmentPointer string                    `json:"attachmentPointer,omitempty"`
}

type GroupMemberView struct {
	WhisperID string `json:"whisperId"`
	Role      string `json:"role"`
	JoinedAt  int64  `json:"joinedAt"`
}

type GroupView struct {
	GroupID   string            `json:"groupId"`
	Title     string            `json:"title"`
	OwnerID   string            `json:"ownerId"`
	Members   []GroupMemberView `json:"members,omitempty"`
	CreatedAt int64             `json:"createdAt"`
	UpdatedAt int64             `json:"updatedAt"`
}

type GroupCreatePayload struct {
	ProtocolVersion int      `json:"protocolVersion"`
	CryptoVersion   int      `json:"cryptoVersion"`
	SessionToken    string   `json:"sessionToken"`
	Title           string   `json:"title"`
	Members         []string `json:"members"`
}

type GroupUpdatePayload struct {
	ProtocolVersion int    `json:"protocolVersion"`
	CryptoVersion   int    `json:"cryptoVersion"`
	SessionToken    string `json:"sessionToken"`
	GroupID         string `json:"groupId"`
	Action          string `json:"action"` // add_member | remove_member | change_role | update_title
	WhisperID       string `json:"whisperId,omitempty"`
	Role            string `json:"role,omitempty"`
	Title           string `json:"title,omitempty"`
}

type GroupEventPayload struct {
	Event            string     `json:"event"` // created | updated | member_added | member_removed
	Group            GroupView  `json:"group"`
	AffectedMembers  []string   `json:"affectedMembers,omitempty"`
}

type GetTURNCredentialsPayload struct {
	ProtocolVersion int    `json:"protocolVersion"`
	CryptoVersion   int    `json:"cryptoVersion"`
	SessionToken    string `json:"sessionToken"`
}

type TURNCredentialsPayload struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
	TTL        int64    `json:"ttl"`
}

type CallInitiatePayload struct {
	ProtocolVersion int    `json:"protocolVersion"`
	CryptoVersion   int    `json:"cryptoVersion"`
	SessionToken    string `json:"sessionToken"`
	CallID          string `json:"callId"`
	From            string `json:"from"`
	To              string `json:"to"`
	IsVideo         bool   `json:"isVideo"`
	Timestamp       int64  `json:"timestamp"`
	Nonce           string `json:"nonce"`
	Ciphertext      string `json:"ciphertext"`
	Signature       string `json:"sig"`
}

type CallIncomingPayload struct {
	CallID     string `json:"callId"`
	From       string `json:"from"`
	IsVideo    bool   `json:"isVideo"`
	Timestamp  int64  `json:"timestamp"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Signature  string `json:"sig"`
}

type CallRingingPayload struct {
	ProtocolVersion int    `json:"protocolVersion"`
	CryptoVersion   int    `json:"cryptoVersion"`
	SessionToken    string `json:"sessionToken"`
	CallID          string `json:"callId"`
	From            string `json:"from"`
	To              string `json:"to"`
	Timestamp       int64  `json:"timestamp"`
	Nonce           string `json:"nonce"`
	Ciphertext      string `json:"ciphertext"`
	Signature       string `json:"sig"`
}

type CallAnswerPayload struct {
	ProtocolVersion int    `json:"protocolVersion"`
	CryptoVersion   int    `json:"cryptoVersion"`
	SessionToken    string `json:"sessionToken"`
	CallID          string `json:"callId"`
	From            string `json:"from"`
	To              string `json:"to"`
	Timestamp       int64  `json:"timestamp"`
	Nonce           string `json:"nonce"`
	Ciphertext      string `json:"ciphertext"`
	Signature       string `json:"sig"`
}

type CallICECandidatePayload struct {
	ProtocolVersion int    `json:"protocolVersion"`
	CryptoVersion   int    `json:"cryptoVersion"`
	SessionToken    string `json:"sessionToken"`
	CallID          string `json:"callId"`
	From            string `json:"from"`
	To              string `json:"to"`
	Timestamp       int64  `json:"timestamp"`
	Nonce           string `json:"nonce"`
	Ciphertext      string `json:"ciphertext"`
	Signature       string `json:"sig"`
}

type CallEndPayload struct {
	ProtocolVersion int    `json:"protocolVersion"`
	CryptoVersion   int    `json:"cryptoVersion"`
	SessionToken    string `json:"sessionToken"`
	CallID          string `json:"callId"`
	From            string `json:"from"`
	To              string `json:"to"`
	Reason          string `json:"reason"`
	Timestamp       int64  `json:"timestamp"`
	Nonce           string `json:"nonce"`
	Ciphertext      string `json:"ciphertext"`
	Signature       string `json:"sig"`
}

type PresenceUpdatePayload struct {
	WhisperID string `json:"whisperId"`
	Status    string `json:"status"` // online | offline
	LastSeen  int64  `json:"lastSeen,omitempty"`
}

type TypingPayload struct {
	ProtocolVersion int    `json:"protocolVersion"`
	CryptoVersion   int    `json:"cryptoVersion"`
	SessionToken    string `json:"sessionToken"`
	To              string `json:"to"`
	GroupID         string `json:"groupId,omitempty"`
}

type TypingNotificationPayload struct {
	From    string `json:"from"`
	GroupID string `json:"groupId,omitempty"`
}

type ForceLogoutPayload struct {
	Reason string `json:"reason"`
}

// AuthRequired is the set of message types whose payload must carry a resolvable
// sessionToken before dispatch.
var AuthRequired = map[MessageType]bool{
	TypeSessionRefresh:    true,
	TypeLogout:            true,
	TypeUpdateTokens:      true,
	TypeSendMessage:       true,
	TypeDeliveryReceipt:   true,
	TypeFetchPending:      true,
	TypeGroupCreate:       true,
	TypeGroupUpdate:       true,
	TypeGroupSendMessage:  true,
	TypeGetTURNCredentials: true,
	TypeCallInitiate:      true,
	TypeCallRinging:       true,
	TypeCallAnswer:        true,
	TypeCallICECandidate:  true,
	TypeCallEnd:           true,
	TypeTyping:            true,
}
