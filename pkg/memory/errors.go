package memory

import "errors"

var (
	// ErrNotFound is returned by a Backend when the key has never been written.
	ErrNotFound = errors.New("record not found")

	ErrUnknownBackend = errors.New("unknown storage backend")
)
