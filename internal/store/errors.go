package store

import "errors"

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotPending is returned when a terminal write targets a row
	// that already left the pending state. Re-deciding a decided
	// approval or interaction is a no-op that surfaces this error.
	ErrNotPending = errors.New("not pending")
)
