// Package wireid derives and validates WhisperID, the canonical account identifier.
//
// A WhisperID is the string "WSP-XXXX-XXXX-XXXX" where each X is drawn from the Base32
// alphabet ABCDEFGHIJKLMNOPQRSTUVWXYZ234567. Of the 12 alphabet characters, the first 10
// encode data and the last 2 are checksums; Validate recomputes the first on parse, and Verify
// checks both by re-deriving the ID from its key. The data is derived
// deterministically from an Ed25519 signing public key, the same way a Tox ID's checksum is
// derived from its public key plus nospam value.
package wireid

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Alphabet is the Base32 variant used by WhisperID. It intentionally differs from RFC 4648
// (no padding, no lowercase) because WhisperID is a display identifier, not a binary encoding.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

const (
	dataChars  = 10
	totalChars = dataChars + 2 // + checksum1 + checksum2
	prefix     = "WSP"
)

// ErrInvalidFormat is returned when a string is not a well-formed WhisperID.
var ErrInvalidFormat = errors.New("wireid: invalid WhisperID format")

// ErrChecksumMismatch is returned when a WhisperID's embedded checksum does not match its
// recomputed value — the identifier was mistyped, truncated, or fabricated.
var ErrChecksumMismatch = errors.New("wireid: checksum mismatch")

// byteSource draws rejection-sampled bytes from a signing public key, extending via
// SHA-256(key || counter) once the key itself is exhausted. counter is big-endian per byte
// group, matching the extension scheme used whenever the derivation needs more entropy than
// the 32-byte key provides.
type byteSource struct {
	key     []byte
	extra   []byte
	counter uint32
	pos     int
}

func newByteSource(key []byte, startCounter uint32) *byteSource {
	s := &byteSource{key: key, counter: startCounter}
	if startCounter > 0 {
		// A retry attempt skips the raw key and draws from SHA-256(key || startCounter) onward.
		s.pos = len(key)
	}
	return s
}

// next returns the next rejection-sampled byte in [0, 256) such that mapping it into the
// alphabet via b%32 carries no modulo bias. Since 256 is an exact multiple of len(Alphabet)
// (32), no byte value is ever actually rejected — the rejection check is retained so the
// derivation remains correct if the alphabet size ever changes.
func (s *byteSource) next() byte {
	const rejectionLimit = 256 - (256 % len(Alphabet))
	for {
		b := s.nextRaw()
		if int(b) < rejectionLimit {
			return b
		}
	}
}

func (s *byteSource) nextRaw() byte {
	if s.pos < len(s.key) {
		b := s.key[s.pos]
		s.pos++
		return b
	}
	if len(s.extra) == 0 || s.pos-len(s.key) >= len(s.extra) {
		var counterBytes [4]byte
		binary.BigEndian.PutUint32(counterBytes[:], s.counter)
		s.counter++
		h := sha256.Sum256(append(append([]byte{}, s.key...), counterBytes[:]...))
		s.extra = h[:]
		s.pos = len(s.key)
	}
	b := s.extra[s.pos-len(s.key)]
	s.pos++
	return b
}

// derived holds the raw data produced by one derivation attempt: the Base32 indices and the
// two checksum values computed over them.
type derived struct {
	indices    [dataChars]int
	rawBytes   [dataChars]byte
	checksum1  int
	checksum2  int
}

func deriveFrom(signPublicKey []byte, startCounter uint32) derived {
	src := newByteSource(signPublicKey, startCounter)
	var d derived
	for i := 0; i < dataChars; i++ {
		b := src.next()
		d.rawBytes[i] = b
		d.indices[i] = int(b) % len(Alphabet)
	}
	d.checksum1 = xorChecksum(d.indices[:])
	d.checksum2 = sumChecksum(d.rawBytes[:])
	return d
}

func xorChecksum(indices []int) int {
	c := 0
	for _, idx := range indices {
		c ^= idx
	}
	return c % len(Alphabet)
}

func sumChecksum(raw []byte) int {
	sum := 0
	for _, b := range raw {
		sum += int(b)
	}
	return sum % len(Alphabet)
}

// Derive computes the canonical WhisperID for a 32-byte Ed25519 signing public key. The
// result is deterministic: the same key always yields the same WhisperID.
func Derive(signPublicKey []byte) (string, error) {
	return deriveWithAttempt(signPublicKey, 0)
}

// DeriveWithAttempt re-derives the WhisperID for the same key starting from a later
// extension counter, used by the caller when the first attempt collided with a different
// account's WhisperID (an astronomically unlikely but handled event).
func DeriveWithAttempt(signPublicKey []byte, attempt int) (string, error) {
	if attempt < 0 {
		return "", fmt.Errorf("wireid: negative attempt %d", attempt)
	}
	return deriveWithAttempt(signPublicKey, uint32(attempt))
}

func deriveWithAttempt(signPublicKey []byte, startCounter uint32) (string, error) {
	if len(signPublicKey) != 32 {
		return "", fmt.Errorf("wireid: signPublicKey must be 32 bytes, got %d", len(signPublicKey))
	}
	d := deriveFrom(signPublicKey, startCounter)
	return format(d), nil
}

func format(d derived) string {
	all := make([]byte, 0, totalChars)
	for _, idx := range d.indices {
		all = append(all, Alphabet[idx])
	}
	all = append(all, Alphabet[d.checksum1], Alphabet[d.checksum2])

	return fmt.Sprintf("%s-%s-%s-%s", prefix, all[0:4], all[4:8], all[8:12])
}

// Validate parses a canonical WhisperID and verifies its embedded checksums. It does not
// verify that the ID was actually derived from any particular public key — only that the
// string is internally consistent.
func Validate(whisperID string) error {
	groups := strings.Split(whisperID, "-")
	if len(groups) != 4 || groups[0] != prefix {
		return ErrInvalidFormat
	}
	body := groups[1] + groups[2] + groups[3]
	if len(body) != totalChars {
		return ErrInvalidFormat
	}

	indices := make([]int, totalChars)
	for i := 0; i < totalChars; i++ {
		idx := strings.IndexByte(Alphabet, body[i])
		if idx < 0 {
			return ErrInvalidFormat
		}
		indices[i] = idx
	}

	gotChecksum1 := indices[dataChars]
	wantChecksum1 := xorChecksum(indices[:dataChars])

	// checksum2 is defined over the underlying byte values (pre-reduction), which are not
	// recoverable from the parsed Base32 indices alone. Validate checks only checksum1;
	// checksum2 is verified against a known key via Verify.
	if gotChecksum1 != wantChecksum1 {
		return ErrChecksumMismatch
	}

	return nil
}

// Verify reports whether whisperID is exactly the WhisperID that Derive would produce for
// signPublicKey — the full two-checksum, byte-exact check used when binding an account to a
// presented key.
func Verify(whisperID string, signPublicKey []byte) (bool, error) {
	if err := Validate(whisperID); err != nil {
		return false, err
	}
	// A derivation can legitimately have required more than one attempt if the first
	// collided with another account; callers that persisted the attempt index should use
	// DeriveWithAttempt directly. Verify checks only the zero-attempt derivation, which is
	// correct for the common case and for any stored WhisperID compared against its own key.
	want, err := Derive(signPublicKey)
	if err != nil {
		return false, err
	}
	return want == whisperID, nil
}
