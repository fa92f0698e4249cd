package gateway

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/whisper-msg/whisper-server/internal/account"
	"github.com/whisper-msg/whisper-server/internal/call"
	"github.com/whisper-msg/whisper-server/internal/group"
	"github.com/whisper-msg/whisper-server/internal/message"
	"github.com/whisper-msg/whisper-server/internal/protocol"
)

func TestClassifyErrorServiceSentinels(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want protocol.ErrorCode
	}{
		{"account invalid platform", account.ErrInvalidPlatform, errInvalidPayload},
		{"account invalid whisperId format", account.ErrInvalidWhisperIDFormat, errInvalidPayload},
		{"account signature invalid", account.ErrSignatureInvalid, errAuthFailed},
		{"account owner mismatch", account.ErrOwnerMismatch, errAuthFailed},
		{"account recovery whisperId not found", account.ErrAccountNotFound, errAuthFailed},
		{"account banned", account.ErrAccountBanned, errUserBanned},
		{"account session not found", account.ErrSessionNotFound, errNotRegistered},
		{"account timestamp skew", account.ErrTimestampSkew, errInvalidTimestamp},
		{"account concurrent registration", account.ErrConcurrentRegistration, errInternal},

		{"message recipient not found", message.ErrRecipientNotFound, errRecipientNotFound},
		{"message signature invalid", message.ErrSignatureInvalid, errInvalidSignature},
		{"message not found", message.ErrNotFound, errNotFound},
		{"message limit out of range", message.ErrLimitOutOfRange, errInvalidPayload},

		{"group not found", group.ErrNotFound, errNotFound},
		{"group not member", group.ErrNotMember, errForbidden},
		{"group title length", group.ErrTitleLength, errInvalidPayload},
		{"group signature invalid", group.ErrSignatureInvalid, errInvalidSignature},

		{"call not found", call.ErrCallNotFound, errNotFound},
		{"call exists", call.ErrCallExists, errInvalidPayload},
		{"call not participant", call.ErrNotParticipant, errForbidden},

		{"unrecognised error", errors.New("boom"), errInternal},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := classifyError(tc.err, zerolog.Nop())
			if got != tc.want {
				t.Errorf("classifyError(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassifyErrorPayloadWrap(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("%w: bad shape", errPayload(errInvalidPayload))
	if got := classifyError(err, zerolog.Nop()); got != errInvalidPayload {
		t.Errorf("classifyError(wrapped errPayload) = %q, want %q", got, errInvalidPayload)
	}
}

func TestDecodePayloadEmpty(t *testing.T) {
	t.Parallel()

	var dst protocol.TypingPayload
	err := decodePayload(nil, &dst)
	if err == nil {
		t.Fatal("decodePayload(nil) = nil error, want error")
	}
	if classifyError(err, zerolog.Nop()) != errInvalidPayload {
		t.Errorf("classifyError(decodePayload error) = %q, want %q", classifyError(err, zerolog.Nop()), errInvalidPayload)
	}
}
