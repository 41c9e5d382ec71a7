package session

import "errors"

var (
	// ErrGeneration is returned when the reply capability fails or returns
	// nothing usable. It is the only turn failure surfaced to callers.
	ErrGeneration = errors.New("generation failed")

	// ErrCompaction is returned by [Compactor.MaybeCompact] when the
	// summariser fails. The state is left untouched.
	ErrCompaction = errors.New("compaction failed")

	// ErrInvalidKey is returned by stores for keys with an empty part.
	ErrInvalidKey = errors.New("session: user and session id must be non-empty")

	// ErrNotFound is returned by [Store.Get] for keys with no stored state.
	ErrNotFound = errors.New("session: not found")
)
