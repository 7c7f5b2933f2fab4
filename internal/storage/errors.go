package storage

import "errors"

var (
	// ErrNotFound is returned by Load and Delete for a session id that was never saved.
	ErrNotFound = errors.New("session not found")

	// ErrCorrupt is returned when a stored record exists but cannot be decoded
	// or fails structural validation.
	ErrCorrupt = errors.New("session record corrupt")

	// ErrUnsupportedVersion is returned for records written by a newer schema.
	ErrUnsupportedVersion = errors.New("unsupported session version")

	// ErrInvalidSessionID is returned for ids that cannot name a record.
	ErrInvalidSessionID = errors.New("invalid session id")
)
