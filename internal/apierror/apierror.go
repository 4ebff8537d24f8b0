// Package apierror distinguishes the cloud and hosted-CI error taxonomy
// the core depends on: a typed APIError for calls that reached the remote
// service and got a negative answer, versus plain transient errors for
// everything else (timeouts, connection resets).
package apierror

import (
	"errors"
	"fmt"
)

// APIError wraps an error returned by a remote service that answered the
// request but reported failure (4xx/5xx, or a domain-specific error body).
// It is distinct from a transient network error: callers treat APIError
// during delete as recoverable and during create as a retry cause.
type APIError struct {
	Op         string // e.g. "create_vm", "force_delete"
	StatusCode int    // 0 if not HTTP-shaped
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// New wraps err as an APIError for operation op.
func New(op string, statusCode int, err error) error {
	if err == nil {
		return nil
	}
	return &APIError{Op: op, StatusCode: statusCode, Err: err}
}

// Is reports whether err is (or wraps) an *APIError.
func Is(err error) bool {
	var target *APIError
	return errors.As(err, &target)
}

// IsNotFound reports whether err is an APIError representing an
// already-absent resource, which the core treats as recoverable during
// delete rather than logged as a failure.
func IsNotFound(err error) bool {
	var target *APIError
	if !errors.As(err, &target) {
		return false
	}
	return target.StatusCode == 404
}
