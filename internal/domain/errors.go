package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrValidation        = errors.New("validation failed")
	ErrConflict          = errors.New("revision conflict")
)

// TransitionError is returned when an operation is not allowed from the current status.
type TransitionError struct {
	From Status
	Op   Operation
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a demand that is %s", e.Op, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
