// Package fault defines the error categories shared by every engine
// component. Package-level sentinels elsewhere wrap one of these so callers
// (and the HTTP layer) can branch with errors.Is without knowing which
// component produced the failure.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation signals malformed input. Not retried.
	ErrValidation = errors.New("validation error")
	// ErrAuthorization signals the wrong party attempted an action.
	ErrAuthorization = errors.New("authorization error")
	// ErrNotFound signals a missing entity.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientFunds is a business-rule rejection, visible to the user.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidStateTransition signals an operation illegal in the current state.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrInsufficientJurors blocks tribunal escalation until more guilds qualify.
	ErrInsufficientJurors = errors.New("insufficient jurors")
	// ErrConflict signals a uniqueness or concurrent-update clash.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable signals an external collaborator could not be reached.
	ErrUnavailable = errors.New("unavailable")
	// ErrInvariantViolation is an internal bug. Logged as fatal, never shown verbatim.
	ErrInvariantViolation = errors.New("invariant violation")
)

// Error carries a message and the category it belongs to.
type Error struct {
	kind error
	msg  string
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Unwrap() error { return e.kind }

// New builds an error of the given category.
func New(kind error, format string, args ...any) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Kind reports the category of err, or nil when err carries none.
func Kind(err error) error {
	for _, k := range []error{
		ErrValidation,
		ErrAuthorization,
		ErrNotFound,
		ErrInsufficientFunds,
		ErrInvalidStateTransition,
		ErrInsufficientJurors,
		ErrConflict,
		ErrUnavailable,
		ErrInvariantViolation,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// IsInternal reports whether err must be hidden from end users.
func IsInternal(err error) bool {
	k := Kind(err)
	return k == nil || k == ErrInvariantViolation
}
