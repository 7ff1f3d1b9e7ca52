// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across store/protocol/filetree layers.
var (
	// ErrGroupNotFound indicates the named group does not exist.
	ErrGroupNotFound = errors.New("group doesn't exist")

	// ErrGroupExists indicates a CREATE for a name already taken.
	ErrGroupExists = errors.New("group already exist")

	// ErrNotMember indicates the peer has no membership record in the group.
	ErrNotMember = errors.New("peer doesn't belong to the group")

	// ErrWrongToken indicates a JOIN token matching neither group secret.
	ErrWrongToken = errors.New("wrong token")

	// ErrAlreadyActive indicates a RESTORE for a member that is already active.
	ErrAlreadyActive = errors.New("peer already active")

	// ErrNotAllowed indicates the caller lacks the Master role for a ROLE operation.
	ErrNotAllowed = errors.New("operation not allowed")

	// ErrReadOnly indicates a catalog mutation attempted by an RO member.
	ErrReadOnly = errors.New("peer doesn't have enough privilege")

	// ErrLastMaster indicates the operation would leave a populated group without a Master.
	ErrLastMaster = errors.New("group would be left without a master")

	// ErrTooManyAttempts indicates JOIN is temporarily blocked after repeated wrong tokens.
	ErrTooManyAttempts = errors.New("too many failed attempts")

	// ErrInvalidRequest indicates a malformed command or payload.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotFound indicates the requested tree node does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a tree node is already present at the path.
	ErrAlreadyExists = errors.New("already exists")
)
