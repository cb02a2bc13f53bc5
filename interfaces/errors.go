package interfaces

import "errors"

var (
	// ErrNotFound is returned when a version, blob, task, session or
	// principal is unknown.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned on illegal state transitions: operating on a
	// non-pending session or task, or contributing twice to the same task
	// or session.
	ErrConflict = errors.New("conflict")

	// ErrValidation is returned for malformed input, such as a threshold or
	// requiredShares below 1, or completing a session with too few shares.
	ErrValidation = errors.New("validation failed")

	// ErrForbidden is returned when a resource belongs to a different tenant
	// than the caller. The mismatch is surfaced, never silently corrected.
	ErrForbidden = errors.New("forbidden")

	// ErrStoreUnavailable wraps storage-layer failures. These are transient
	// infrastructure errors and must never be collapsed into ErrNotFound.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrUnauthenticated is returned when caller identity cannot be resolved.
	ErrUnauthenticated = errors.New("unauthenticated")
)
