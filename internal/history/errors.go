package history

import "errors"

var (
	// ErrNotFound covers missing projects, branches, and nodes.
	ErrNotFound = errors.New("not found")
	// ErrConflict covers caller-fixable input problems: duplicate branch
	// names, merging a branch into itself, fork nodes that are not on the
	// source branch, merge payloads that are not assistant messages.
	ErrConflict = errors.New("conflict")
	// ErrLockTimeout is returned when a keyed lock could not be acquired
	// before the caller's deadline. Safe to retry with backoff.
	ErrLockTimeout = errors.New("lock timeout")
	// ErrLeaseConflict is returned when another holder owns an unexpired
	// edit lease for the branch.
	ErrLeaseConflict = errors.New("lease held by another user")
	// ErrOrderingCorrupt is returned when a branch's ordering index
	// disagrees with the ancestry chain of its tip and could not be
	// repaired. Never swallowed.
	ErrOrderingCorrupt = errors.New("ordering index corrupt")
)
