package account

import "errors"

// Sentinel errors for the account package.
var (
	ErrChallengeAlreadyConsumed = errors.New("challenge already consumed or expired")
	ErrSignatureInvalid         = errors.New("challenge signature does not verify")
	ErrKeysImmutable            = errors.New("account already exists with a different signPublicKey")
	ErrInvalidWhisperIDFormat   = errors.New("whisperId is not a validly formatted identifier")
	ErrOwnerMismatch            = errors.New("whisperId does not match the account bound to signPublicKey")
	ErrAccountNotFound          = errors.New("recovery whisperId does not reference an existing account")
	ErrConcurrentRegistration   = errors.New("account was created by a concurrent registration")
	ErrAccountBanned            = errors.New("account is banned")
	ErrSessionNotFound          = errors.New("session not found or expired")
	ErrTimestampSkew            = errors.New("timestamp outside allowed skew")
	ErrInvalidPlatform          = errors.New("platform must be android, ios, or web")
)
