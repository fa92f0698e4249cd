package gateway

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/whisper-msg/whisper-server/internal/account"
	"github.com/whisper-msg/whisper-server/internal/call"
	"github.com/whisper-msg/whisper-server/internal/group"
	"github.com/whisper-msg/whisper-server/internal/message"
	"github.com/whisper-msg/whisper-server/internal/protocol"
)

// pipelineOutcome tells onFrame's caller whether the connection must be closed after this
// frame; every other outcome keeps the socket open, matching the pipeline's "short-circuit on
// failure" contract (a failure is reported as an error frame, not necessarily a disconnect).
type pipelineOutcome int

const (
	keepOpen pipelineOutcome = iota
	closeConnection
)

// Close codes used by the gateway, aliased from protocol's RFC/application codes.
const (
	closeMessageTooBig = protocol.CloseMessageTooBig
	closeInternalError = protocol.CloseInternalError
	closeRateLimited   = protocol.CloseRateLimited
)

// errInvalidPayload and friends alias protocol's error codes for readability at call sites.
const (
	errInvalidPayload    = protocol.ErrInvalidPayload
	errInvalidTimestamp  = protocol.ErrInvalidTimestamp
	errNotRegistered     = protocol.ErrNotRegistered
	errAuthFailed        = protocol.ErrAuthFailed
	errRateLimited       = protocol.ErrRateLimited
	errUserBanned        = protocol.ErrUserBanned
	errNotFound          = protocol.ErrNotFound
	errForbidden         = protocol.ErrForbidden
	errInternal          = protocol.ErrInternalError
	errInvalidSignature  = protocol.ErrInvalidSignature
	errRecipientNotFound = protocol.ErrRecipientNotFound
)

// classifyError maps a service-layer sentinel error to the wire error code the pipeline
// reports to the client. Unrecognised errors are logged and reported as INTERNAL_ERROR so a
// bug in a new service error never leaks an implementation detail to the wire.
func classifyError(err error, log zerolog.Logger) protocol.ErrorCode {
	var ep errPayload
	if errors.As(err, &ep) {
		return protocol.ErrorCode(ep)
	}

	switch {
	case errors.Is(err, account.ErrChallengeAlreadyConsumed),
		errors.Is(err, account.ErrInvalidPlatform),
		errors.Is(err, account.ErrInvalidWhisperIDFormat):
		return errInvalidPayload
	case errors.Is(err, account.ErrSignatureInvalid),
		errors.Is(err, account.ErrKeysImmutable),
		errors.Is(err, account.ErrOwnerMismatch),
		errors.Is(err, account.ErrAccountNotFound):
		return errAuthFailed
	case errors.Is(err, account.ErrAccountBanned):
		return errUserBanned
	case errors.Is(err, account.ErrSessionNotFound):
		return errNotRegistered
	case errors.Is(err, account.ErrTimestampSkew):
		return errInvalidTimestamp
	case errors.Is(err, account.ErrConcurrentRegistration):
		return errInternal

	case errors.Is(err, message.ErrRecipientNotFound):
		return errRecipientNotFound
	case errors.Is(err, message.ErrSignatureInvalid):
		return errInvalidSignature
	case errors.Is(err, message.ErrTimestampSkew):
		return errInvalidTimestamp
	case errors.Is(err, message.ErrNotFound):
		return errNotFound
	case errors.Is(err, message.ErrLimitOutOfRange):
		return errInvalidPayload

	case errors.Is(err, group.ErrNotFound):
		return errNotFound
	case errors.Is(err, group.ErrNotMember), errors.Is(err, group.ErrForbidden),
		errors.Is(err, group.ErrOwnerImmutable):
		return errForbidden
	case errors.Is(err, group.ErrTitleLength), errors.Is(err, group.ErrUnknownAction),
		errors.Is(err, group.ErrInvalidRole):
		return errInvalidPayload
	case errors.Is(err, group.ErrSignatureInvalid):
		return errInvalidSignature

	case errors.Is(err, call.ErrCallNotFound):
		return errNotFound
	case errors.Is(err, call.ErrCallExists), errors.Is(err, call.ErrInvalidState):
		return errInvalidPayload
	case errors.Is(err, call.ErrNotParticipant):
		return errForbidden
	case errors.Is(err, call.ErrSignatureInvalid):
		return errInvalidSignature

	default:
		log.Error().Err(err).Msg("gateway: unclassified service error")
		return errInternal
	}
}
