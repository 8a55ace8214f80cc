package server

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedOperation indicates the (operation, target) pair has no
	// handler. UPDATE and DELETE are always unsupported.
	ErrUnsupportedOperation = errors.New("unsupported operation")
	// ErrUnauthorized indicates the session is not authenticated for a
	// gated operation.
	ErrUnauthorized = errors.New("not authenticated")
	// ErrInvalidCredentials indicates a VERIFY USERS password mismatch.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// MissingFieldError indicates a handler needed an optional field that the
// request did not supply. Handlers fail fast on the first missing field.
type MissingFieldError struct {
	Name string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing %q field", e.Name)
}

func missingField(name string) error {
	return &MissingFieldError{Name: name}
}
