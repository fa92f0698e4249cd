package call

import "errors"

// Sentinel errors for the call package.
var (
	ErrCallExists       = errors.New("an active call already exists between these parties")
	ErrCallNotFound     = errors.New("call not found")
	ErrInvalidState     = errors.New("call is not in a state that allows this transition")
	ErrNotParticipant   = errors.New("actor is not a participant in this call")
	ErrSignatureInvalid = errors.New("call payload signature does not verify")
)
