package store

import "errors"

// NotFoundError is returned when a row doesn't exist in the store.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e NotFoundError) Error() string {
	if e.Key == "" {
		return e.Entity + " not found"
	}
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// ErrMemorySessionAssigned is returned when assigning a memory-session id to
// a session that already carries a different one. The id is immutable once
// set.
var ErrMemorySessionAssigned = errors.New("memory session id already assigned")
