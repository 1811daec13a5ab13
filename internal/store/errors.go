package store

import "errors"

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write violates a uniqueness constraint,
// most commonly a proxy port already claimed by another proxy.
var ErrConflict = errors.New("conflict")
