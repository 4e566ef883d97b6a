package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict indicates a uniqueness or compare-and-set violation.
var ErrConflict = errors.New("repository: conflict")

// ErrInvalidData indicates a value the store can never accept, such as text
// holding a NUL byte. Retrying the same write fails the same way.
var ErrInvalidData = errors.New("repository: invalid data")
