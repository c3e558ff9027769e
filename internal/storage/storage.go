// Package storage holds errors shared by the persistence backends.
package storage

import "errors"

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict is returned when an insert collides with an existing row.
	ErrConflict = errors.New("storage: conflict")
)
