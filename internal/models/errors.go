package models

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrPermissionDenied = errors.New("location permission denied")
	ErrPersistence      = errors.New("persistence failure")
	ErrAuthorization    = errors.New("order is not assigned to this courier")
	ErrInvalidStatus    = errors.New("invalid status")
	ErrOrderNotFound    = errors.New("order not found")
	ErrCourierNotFound  = errors.New("courier not found")
)

// PersistenceError reports a store read or write that failed. It matches ErrPersistence.
type PersistenceError struct {
	Op  string
	Err error
}

func NewPersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrPersistence, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }
