// Package signing builds the canonical signing string for authenticated frames and verifies
// the Ed25519 signature a client attaches to it. The server never decrypts message payloads;
// this is the only cryptographic check it performs on their behalf.
package signing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Version is the canonical string's leading version line. It is bumped only if the string's
// layout changes, independent of protocolVersion/cryptoVersion carried in frame payloads.
const Version = "v1"

// ErrInvalidSignature is returned by Verify when the signature does not match.
var ErrInvalidSignature = errors.New("signing: invalid signature")

// Fields holds the values hashed and signed by the sender for send_message,
// group_send_message, call_initiate, call_answer, call_ice_candidate, call_end and
// call_ringing frames.
type Fields struct {
	MessageType  string
	MessageID    string
	From         string
	ToOrGroupID  string
	TimestampMS  int64
	Nonce        []byte
	Ciphertext   []byte
}

// Canonical renders the bit-exact signing string: one field per line, every line including
// the last terminated by a single '\n'.
func Canonical(f Fields) string {
	var b strings.Builder
	b.WriteString(Version)
	b.WriteByte('\n')
	b.WriteString(f.MessageType)
	b.WriteByte('\n')
	b.WriteString(f.MessageID)
	b.WriteByte('\n')
	b.WriteString(f.From)
	b.WriteByte('\n')
	b.WriteString(f.ToOrGroupID)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(f.TimestampMS, 10))
	b.WriteByte('\n')
	b.WriteString(base64.StdEncoding.EncodeToString(f.Nonce))
	b.WriteByte('\n')
	b.WriteString(base64.StdEncoding.EncodeToString(f.Ciphertext))
	b.WriteByte('\n')
	return b.String()
}

// digest returns SHA-256(UTF-8(canonicalString)), the value actually signed and verified.
func digest(canonical string) [32]byte {
	return sha256.Sum256([]byte(canonical))
}

// Sign signs Fields with the given Ed25519 private key. Exposed mainly for tests; production
// signing happens on the client, which never shares its private key with the server.
func Sign(f Fields, privateKey ed25519.PrivateKey) []byte {
	d := digest(Canonical(f))
	return ed25519.Sign(privateKey, d[:])
}

// Verify checks that signature is a valid Ed25519 signature over SHA-256(Canonical(f)) under
// publicKey.
func Verify(f Fields, signature []byte, publicKey ed25519.PublicKey) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("signing: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(publicKey))
	}
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature must be %d bytes, got %d", ErrInvalidSignature, ed25519.SignatureSize, len(signature))
	}
	d := digest(Canonical(f))
	if !ed25519.Verify(publicKey, d[:], signature) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyChallenge checks a registration/auth challenge signature: Ed25519(SHA-256(challengeBytes)),
// with no canonical-string wrapping.
func VerifyChallenge(challengeBytes, signature []byte, publicKey ed25519.PublicKey) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("signing: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(publicKey))
	}
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature must be %d bytes, got %d", ErrInvalidSignature, ed25519.SignatureSize, len(signature))
	}
	d := sha256.Sum256(challengeBytes)
	if !ed25519.Verify(publicKey, d[:], signature) {
		return ErrInvalidSignature
	}
	return nil
}

// SignChallenge signs a challenge the same way VerifyChallenge checks it. Exposed for tests.
func SignChallenge(challengeBytes []byte, privateKey ed25519.PrivateKey) []byte {
	d := sha256.Sum256(challengeBytes)
	return ed25519.Sign(privateKey, d[:])
}
