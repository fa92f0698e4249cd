package group

import "errors"

// Sentinel errors for the group package.
var (
	ErrNotFound        = errors.New("group not found")
	ErrNotMember       = errors.New("not an active member of this group")
	ErrForbidden       = errors.New("insufficient role for this action")
	ErrTitleLength     = errors.New("title must be between 1 and 64 characters")
	ErrOwnerImmutable  = errors.New("the owner cannot be demoted or removed; transfer ownership first")
	ErrUnknownAction   = errors.New("unknown group_update action")
	ErrInvalidRole     = errors.New("role must be admin or member")
	ErrSignatureInvalid = errors.New("envelope signature does not verify")
)
