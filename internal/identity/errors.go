// Package identity talks to the auth-api: it resolves user-facing
// identifiers (numeric id, email, username) to canonical numeric ids and
// verifies bearer tokens. This file centralizes the package's error values.
//
// Resolution errors split into two classes the caller handles differently:
// ErrUserNotFound (the identifier does not exist, so the caller's input is
// wrong) and UpstreamError (the auth-api is unreachable or failing, so the
// request can be retried later). Neither is retried inside this package.
package identity

import (
	"errors"
	"fmt"
)

// ErrUserNotFound indicates the identifier does not resolve to any user.
var ErrUserNotFound = errors.New("user not found")

// UpstreamError reports that a collaborator service was unreachable or
// returned a server error. It carries the service name for log context but
// never leaks connection details to HTTP callers.
type UpstreamError struct {
	Service string
	Err     error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s upstream error: %v", e.Service, e.Err)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *UpstreamError) Unwrap() error { return e.Err }

// upstream wraps err as an auth-api UpstreamError.
func upstream(err error) *UpstreamError {
	return &UpstreamError{Service: "auth-api", Err: err}
}
