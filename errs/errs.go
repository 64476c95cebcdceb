// Package errs defines the sentinel error values shared by every layer of
// the engine. Callers use errors.Is to test for a category; internal code
// wraps these with fmt.Errorf's %w so context survives without losing the
// sentinel.
package errs

import "errors"

var (
	// ErrInvalidArgument covers non-positive sizes, wrong key sizes,
	// incompatible mode/algorithm combinations, header length mismatches on
	// UpdateHeaderData, and mutually exclusive options both being set.
	ErrInvalidArgument = errors.New("pathoram: invalid argument")

	// ErrAlreadyExists is returned by Setup on a populated path without
	// IgnoreExisting.
	ErrAlreadyExists = errors.New("pathoram: device already exists")

	// ErrNotFound is returned by Open on a missing device.
	ErrNotFound = errors.New("pathoram: device not found")

	// ErrLocked is returned by Open when the in-use lock flag is set and
	// IgnoreLock is false.
	ErrLocked = errors.New("pathoram: device is locked")

	// ErrAuthenticationFailure is returned when a GCM tag fails to verify,
	// in a header or a block. It is terminal for the session.
	ErrAuthenticationFailure = errors.New("pathoram: authentication failure")

	// ErrIntegrityViolation covers a stash that has overflowed its hard cap,
	// or a record carrying an out-of-range id. It is terminal for the
	// session.
	ErrIntegrityViolation = errors.New("pathoram: integrity violation")

	// ErrBackendIO wraps an underlying device I/O failure, surfaced
	// unchanged in meaning but distinguishable by category.
	ErrBackendIO = errors.New("pathoram: backend I/O error")

	// ErrStashBlockMissing indicates that, after a path read, the subject id
	// was not present in the stash: a logic bug or a position-map
	// desynchronization. Terminal for the session.
	ErrStashBlockMissing = errors.New("pathoram: block missing from stash after path read")

	// ErrTypeMismatch is returned by Register when a backend implementation
	// doesn't satisfy the expected interface.
	ErrTypeMismatch = errors.New("pathoram: backend does not implement the required interface")

	// ErrClosed is returned by operations attempted on a closed session.
	ErrClosed = errors.New("pathoram: session is closed")

	// ErrCorrupt marks a session that has been poisoned by a prior
	// authentication failure or integrity violation; every subsequent call
	// fails with this until the session is closed and reopened.
	ErrCorrupt = errors.New("pathoram: session is corrupt, reopen required")
)
