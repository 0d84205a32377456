// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the operation is not valid for the entity's current state.
var ErrConflict = errors.New("conflict: operation not valid in current state")

// ErrValidation indicates the request failed domain validation.
var ErrValidation = errors.New("validation failed")
