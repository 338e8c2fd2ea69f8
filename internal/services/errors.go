// Package services implements the application layer of the relay: routing a
// chat message from two raw identifiers to a published envelope, and the
// history read paths. This file centralizes the service-level error values.
//
// Translation into HTTP status codes happens at the handler layer; these
// values only classify the failure: the caller's input (validation, unknown
// participant), a collaborator (upstream), or the broker.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingParticipant is returned when the sender or receiver
	// identifier is absent.
	ErrMissingParticipant = errors.New("sender and receiver are required")

	// ErrEmptyMessage is returned when the message body is empty or blank.
	ErrEmptyMessage = errors.New("message body is empty")

	// ErrMessageTooLong is returned when the message body exceeds the
	// configured maximum length.
	ErrMessageTooLong = errors.New("message body too long")
)

// ResolutionError reports that a participant identifier could not be
// resolved. The wrapped cause distinguishes an unknown identifier
// (identity.ErrUserNotFound) from a failing auth-api (*identity.UpstreamError).
type ResolutionError struct {
	Identifier string
	Err        error
}

// Error implements the error interface.
func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %q: %v", e.Identifier, e.Err)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *ResolutionError) Unwrap() error { return e.Err }
