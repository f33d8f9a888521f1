package chat

import (
	"errors"
	"fmt"
)

// ErrUnexpectedStatus is returned when a request reached the server but the
// reply status is not the one the operation expects.
var ErrUnexpectedStatus = errors.New("unexpected status")

// ErrDiscarded is returned when a reply arrived after ResetState; it was not applied.
var ErrDiscarded = errors.New("reply discarded after reset")

// StatusError carries the status of an unexpected reply.
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %v: %d", e.Op, ErrUnexpectedStatus, e.Status)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }
