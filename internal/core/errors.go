// Package core implements the identity, credential, authentication, and
// connectivity engine behind the Cyberwave CLI commands.
package core

import (
	"errors"
	"fmt"
)

// Sentinel auth errors. Terminal device-flow states and the missing-auth
// case are sentinels so callers can branch with errors.Is.
var (
	// ErrNotAuthenticated means no usable credentials exist and the caller
	// did not allow an interactive login.
	ErrNotAuthenticated = errors.New("not authenticated: run 'cyberwave login'")
	// ErrAuthExpired means the device-authorization session expired before
	// the user approved it.
	ErrAuthExpired = errors.New("device authorization expired: run 'cyberwave login' again")
	// ErrAuthDenied means the backend rejected the device code.
	ErrAuthDenied = errors.New("device authorization denied")
)

// StorageError wraps local disk or keystore failures. These degrade the
// current invocation (in-memory fallback, lost persistence) but are never
// fatal on their own.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsNotAuthenticated reports whether err maps to the distinct
// "not authenticated" exit code.
func IsNotAuthenticated(err error) bool {
	return errors.Is(err, ErrNotAuthenticated)
}
