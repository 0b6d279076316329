package store

import "errors"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrEmailTaken is returned when an insert or update collides with the
// unique index on users.email.
var ErrEmailTaken = errors.New("email already registered")
