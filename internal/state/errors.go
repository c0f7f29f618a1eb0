package state

import "errors"

// Sentinel errors for state store operations.
var (
	// ErrUnknownObject is returned when writing a value for an id that has
	// no object, or whose object is not a state.
	ErrUnknownObject = errors.New("state: unknown object")

	// ErrNotFound is returned when a state has no stored value yet.
	ErrNotFound = errors.New("state: value not found")

	// ErrNotWritable is returned for user writes to read-only states.
	ErrNotWritable = errors.New("state: not writable")

	// ErrInvalidObject is returned by EnsureObject for malformed definitions.
	ErrInvalidObject = errors.New("state: invalid object")
)
