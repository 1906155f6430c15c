package marking

import (
	"errors"
	"fmt"
)

// snippetLimit caps how much of an error body surfaces to the user.
const snippetLimit = 120

// ErrTimeout is returned when a service call exceeds its per-call deadline.
// State is left unchanged; retry is the user's decision.
var ErrTimeout = errors.New("marking service timed out")

// NetworkError wraps transport-level failures (DNS, refused connection,
// reset). Distinct from ServiceError: the service never answered.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServiceError is a non-2xx answer from the marking service. Snippet holds
// at most the first 120 characters of the response body and is shown to the
// user verbatim.
type ServiceError struct {
	Status  int
	Snippet string
}

func (e *ServiceError) Error() string {
	if e.Snippet == "" {
		return fmt.Sprintf("service error (HTTP %d)", e.Status)
	}
	return fmt.Sprintf("service error (HTTP %d): %s", e.Status, e.Snippet)
}

// ValidationError reports a request rejected locally before dispatch.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func snippet(body []byte) string {
	s := string(body)
	if len(s) > snippetLimit {
		s = s[:snippetLimit]
	}
	return s
}
