package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicate      = errors.New("already exists")
	ErrAlreadyDecided = errors.New("approval request already decided")
	ErrInvalid        = errors.New("invalid input")
)

// ConstraintError reports a unique-constraint violation. It is not transient
// and should not be retried.
type ConstraintError struct {
	Entity string
	Field  string
	Err    error
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("%s with this %s already exists", e.Entity, e.Field)
}

func (e *ConstraintError) Unwrap() error { return e.Err }

func (e *ConstraintError) Is(target error) bool { return target == ErrDuplicate }

// ValidationError wraps a metadata or parameter validation failure.
type ValidationError struct {
	Entity string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Entity, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }
