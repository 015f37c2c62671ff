package portal

import (
	"errors"
	"fmt"
)

// ErrNotFound is the sentinel matched by errors.Is for any NotFoundError.
var ErrNotFound = errors.New("not found")

// NotFoundError reports that the remote portal has no such dataset or resource.
// It is propagated to the caller and never retried.
type NotFoundError struct {
	Kind string // "dataset" or "resource"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// UnsupportedOperationError reports that a portal variant lacks a capability.
// It is an expected outcome, not a failure: callers turn it into a structured
// "not available" result carrying the suggested alternative.
type UnsupportedOperationError struct {
	Portal     string
	Op         string
	Suggestion string
}

func (e *UnsupportedOperationError) Error() string {
	msg := fmt.Sprintf("portal %q does not support %s", e.Portal, e.Op)
	if e.Suggestion != "" {
		msg += ": " + e.Suggestion
	}
	return msg
}

// APIError reports a structured error returned by a portal API
// (e.g. the CKAN envelope's error field).
type APIError struct {
	Portal  string
	Action  string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("portal %q: %s: %s", e.Portal, e.Action, e.Message)
}
