package engine

import "errors"

// Sentinel errors of the engine's failure taxonomy. The transport layer maps
// them to protocol statuses; internal store failures are wrapped separately so
// callers can tell a rejected request from a failing system.
var (
	// ErrNotFound covers both truly absent records and records outside the
	// caller's visible scope, so existence never leaks across boundaries.
	ErrNotFound = errors.New("engine: not found")

	// ErrForbidden means the operation-level permission check denied the
	// request.
	ErrForbidden = errors.New("engine: forbidden")

	// ErrDuplicateKey is the translated unique-constraint conflict from the
	// backing store.
	ErrDuplicateKey = errors.New("engine: duplicate key")

	// ErrAlreadyDeleted is returned when soft-deleting a record whose
	// tombstone is already set.
	ErrAlreadyDeleted = errors.New("engine: already deleted")

	// ErrNotDeleted is returned when restoring a record that is not deleted.
	ErrNotDeleted = errors.New("engine: not deleted")
)
