package model

import "errors"

var (
	// ErrNotFound is returned when a document or revision is not found
	ErrNotFound = errors.New("document not found")
	// ErrExists is returned when trying to create a document that already exists
	ErrExists = errors.New("document already exists")
	// ErrConflict is returned when a pushed revision loses against the stored one
	ErrConflict = errors.New("revision conflict")
	// ErrStopped is returned when an operation is attempted on a stopped replicator
	ErrStopped = errors.New("replicator is stopped")
	// ErrBadDelta is returned when a delta cannot be applied to its ancestor
	ErrBadDelta = errors.New("delta is not applicable")
	// ErrUnauthorized is returned when the peer rejects the push token
	ErrUnauthorized = errors.New("unauthorized")
)
