// Package xerr defines the error taxonomy surfaced by the storage core, so
// callers can distinguish failure kinds with errors.As rather than string
// matching.
package xerr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories named by the error-handling
// design: lookup failures, staleness, constraint violations, and so on.
type Kind string

const (
	// NoSuchItemState is raised for state lookups against ids unknown to
	// the manager, or declared deleted by a change log.
	NoSuchItemState Kind = "no_such_item_state"

	// StaleItemState is raised by the update pipeline when an overlaid
	// state's modcount has advanced since it was read.
	StaleItemState Kind = "stale_item_state"

	// ItemExists is raised by the importer on a uuid collision under the
	// CollisionThrow policy. Name collisions are not checked.
	ItemExists Kind = "item_exists"

	// Conflict is raised during effective node type construction or merge.
	Conflict Kind = "conflict"

	// ConstraintViolation is raised by add/remove and applicable-definition
	// checks.
	ConstraintViolation Kind = "constraint_violation"

	// ReferentialIntegrity is raised by the update pipeline's integrity
	// check.
	ReferentialIntegrity Kind = "referential_integrity"

	// ItemStateIO is raised for generic persistence or blob store
	// failures.
	ItemStateIO Kind = "item_state_io"

	// VersionException is raised by version-label assignment when the
	// label already points elsewhere and the caller did not request a move.
	VersionException Kind = "version_exception"
)

// Error is the concrete error type for every Kind above. It wraps an
// optional underlying cause so callers can still unwrap to driver-level
// errors (bbolt, os, etc).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, letting
// callers write errors.Is(err, xerr.New(xerr.StaleItemState, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an *Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err (or anything it wraps) is an *Error of kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// KindOf extracts the Kind of err if it is, or wraps, an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return "", false
	}
	return e.Kind, true
}
