package session

import "errors"

var (
	// ErrReadOnly is returned by mutations while the session lacks write access.
	ErrReadOnly = errors.New("session is read-only")

	// ErrLocked is returned when another session holds a live lock on a node
	// the mutation would change.
	ErrLocked = errors.New("node locked by another session")

	// ErrNotApplied is returned when an operation found nothing to change,
	// such as a missing or ineligible target.
	ErrNotApplied = errors.New("operation not applied")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
)
